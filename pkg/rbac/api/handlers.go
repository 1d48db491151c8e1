package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/httputil"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

// ActorHeader names the request header carrying the acting principal
const ActorHeader = "X-Permsync-Actor"

// Handlers serves the role and policy administration API. Every mutation
// it performs is attributed to the rest source, so roles owned by the
// policy file or an external provider cannot be edited here.
type Handlers struct {
	service rbac.PolicyService
	cache   *validation.Cache
	log     *observability.Logger
	auditor audit.Logger
}

// NewHandlers creates the administration API handlers
func NewHandlers(service rbac.PolicyService, cache *validation.Cache, log *observability.Logger) *Handlers {
	return &Handlers{
		service: service,
		cache:   cache,
		log:     log,
		auditor: audit.NewNoopLogger(),
	}
}

// SetAuditLogger routes change records to auditor
func (h *Handlers) SetAuditLogger(auditor audit.Logger) {
	h.auditor = auditor
}

// RegisterRoutes registers all administration API routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/roles", h.ListRoles).Methods(http.MethodGet)
	router.HandleFunc("/roles", h.CreateRole).Methods(http.MethodPost)
	router.HandleFunc("/roles/{kind}/{namespace}/{name}", h.GetRole).Methods(http.MethodGet)
	router.HandleFunc("/roles/{kind}/{namespace}/{name}", h.UpdateRole).Methods(http.MethodPut)
	router.HandleFunc("/roles/{kind}/{namespace}/{name}", h.DeleteRole).Methods(http.MethodDelete)

	router.HandleFunc("/policies", h.ListPolicies).Methods(http.MethodGet)
	router.HandleFunc("/policies", h.CreatePolicies).Methods(http.MethodPost)
	router.HandleFunc("/policies", h.DeletePolicies).Methods(http.MethodDelete)

	router.HandleFunc("/check", h.Check).Methods(http.MethodPost)
}

// RoleBody is the request and response shape for roles
type RoleBody struct {
	Name             string   `json:"name"`
	MemberReferences []string `json:"memberReferences"`
	Description      string   `json:"description,omitempty"`
	Source           string   `json:"source,omitempty"`
}

// PolicyBody is the request and response shape for permission policies
type PolicyBody struct {
	EntityReference string `json:"entityReference"`
	Permission      string `json:"permission"`
	Policy          string `json:"policy"`
	Effect          string `json:"effect"`
}

// CheckRequest asks whether a subject may perform an action on a resource
type CheckRequest struct {
	Subject  string   `json:"subject"`
	Resource string   `json:"resource"`
	Action   string   `json:"action"`
	Roles    []string `json:"roles,omitempty"`
}

func actorOf(r *http.Request) string {
	if actor := observability.GetActor(r.Context()); actor != "" {
		return actor
	}
	if actor := r.Header.Get(ActorHeader); actor != "" {
		return actor
	}
	return string(rbac.SourceREST)
}

func roleRefFromPath(r *http.Request) string {
	vars := mux.Vars(r)
	ref := fmt.Sprintf("%s:%s/%s", vars["kind"], vars["namespace"], vars["name"])
	return rbac.NormalizeTuple([]string{ref})[0]
}

// ListRoles returns every role with its members and metadata
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	groupings, err := h.service.GetGroupingPolicy(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	byRole := make(map[string][]string)
	for _, tuple := range groupings {
		roleRef := rbac.RoleRefOf(tuple)
		byRole[roleRef] = append(byRole[roleRef], tuple[0])
	}

	roles := make([]RoleBody, 0, len(byRole))
	for roleRef, members := range byRole {
		body := RoleBody{Name: roleRef, MemberReferences: members}
		if meta, err := h.service.FindRoleMetadata(r.Context(), roleRef); err == nil && meta != nil {
			body.Description = meta.Description
			body.Source = string(meta.Source)
		}
		roles = append(roles, body)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })

	httputil.WriteSuccess(w, roles)
}

// GetRole returns one role by its entity reference
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleRef := roleRefFromPath(r)

	members, err := h.service.GetFilteredGroupingPolicy(r.Context(), 1, roleRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(members) == 0 {
		httputil.WriteError(w, &rbac.NotFoundError{RoleEntityRef: roleRef})
		return
	}

	body := RoleBody{Name: roleRef}
	for _, tuple := range members {
		body.MemberReferences = append(body.MemberReferences, tuple[0])
	}
	if meta, err := h.service.FindRoleMetadata(r.Context(), roleRef); err == nil && meta != nil {
		body.Description = meta.Description
		body.Source = string(meta.Source)
	}
	httputil.WriteSuccess(w, body)
}

// CreateRole creates a role with the given members
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var body RoleBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	role := rbac.Role{
		Name:             rbac.NormalizeTuple([]string{body.Name})[0],
		MemberReferences: body.MemberReferences,
	}
	if err := validation.ValidateRole(role, h.cache); err != nil {
		httputil.WriteError(w, err)
		return
	}

	existing, err := h.service.FindRoleMetadata(r.Context(), role.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := validation.ValidateSource(rbac.SourceREST, existing); err != nil {
		httputil.WriteError(w, err)
		return
	}

	tuples := rbac.NormalizeTuples(role.GroupingTuples())
	for _, tuple := range tuples {
		has, err := h.service.HasGroupingPolicy(r.Context(), tuple)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if has {
			httputil.WriteError(w, &rbac.ConflictError{
				RoleEntityRef: role.Name,
				Detail:        fmt.Sprintf("member %s already assigned", tuple[0]),
			})
			return
		}
	}

	actor := actorOf(r)
	meta := rbac.RoleMetadata{
		RoleEntityRef: role.Name,
		Source:        rbac.SourceREST,
		Description:   body.Description,
		Author:        actor,
		ModifiedBy:    actor,
	}
	addErr := h.service.AddGroupingPolicies(r.Context(), tuples, meta)
	h.auditRole(r, audit.EventTypeRoleCreate, role.Name, body.MemberReferences, addErr)
	if addErr != nil {
		httputil.WriteError(w, addErr)
		return
	}

	body.Name = role.Name
	body.Source = string(rbac.SourceREST)
	httputil.WriteCreated(w, body)
}

// UpdateRole replaces the member list of a role
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	roleRef := roleRefFromPath(r)

	var body RoleBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	role := rbac.Role{Name: roleRef, MemberReferences: body.MemberReferences}
	if err := validation.ValidateRole(role, h.cache); err != nil {
		httputil.WriteError(w, err)
		return
	}

	existing, err := h.service.FindRoleMetadata(r.Context(), roleRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if existing == nil {
		httputil.WriteError(w, &rbac.NotFoundError{RoleEntityRef: roleRef})
		return
	}
	if err := validation.ValidateSource(rbac.SourceREST, existing); err != nil {
		httputil.WriteError(w, err)
		return
	}

	current, err := h.service.GetFilteredGroupingPolicy(r.Context(), 1, roleRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	actor := actorOf(r)
	meta := rbac.RoleMetadata{
		RoleEntityRef: roleRef,
		Source:        rbac.SourceREST,
		Description:   body.Description,
		Author:        actor,
		ModifiedBy:    actor,
	}
	updateErr := h.service.UpdateGroupingPolicies(r.Context(), current, rbac.NormalizeTuples(role.GroupingTuples()), meta)
	h.auditRole(r, audit.EventTypeRoleUpdate, roleRef, body.MemberReferences, updateErr)
	if updateErr != nil {
		httputil.WriteError(w, updateErr)
		return
	}

	body.Name = roleRef
	body.Source = string(rbac.SourceREST)
	httputil.WriteSuccess(w, body)
}

// DeleteRole removes a role and all of its memberships
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleRef := roleRefFromPath(r)

	existing, err := h.service.FindRoleMetadata(r.Context(), roleRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if existing == nil {
		httputil.WriteError(w, &rbac.NotFoundError{RoleEntityRef: roleRef})
		return
	}
	if err := validation.ValidateSource(rbac.SourceREST, existing); err != nil {
		httputil.WriteError(w, err)
		return
	}

	members, err := h.service.GetFilteredGroupingPolicy(r.Context(), 1, roleRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	actor := actorOf(r)
	meta := rbac.RoleMetadata{
		RoleEntityRef: roleRef,
		Source:        rbac.SourceREST,
		ModifiedBy:    actor,
	}
	deleteErr := h.service.RemoveGroupingPolicies(r.Context(), members, meta, false)
	h.auditRole(r, audit.EventTypeRoleDelete, roleRef, nil, deleteErr)
	if deleteErr != nil {
		httputil.WriteError(w, deleteErr)
		return
	}
	httputil.WriteNoContent(w)
}

// ListPolicies returns every permission policy, optionally filtered by
// the entityReference query parameter.
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	var tuples [][]string
	var err error
	if ref := r.URL.Query().Get("entityReference"); ref != "" {
		tuples, err = h.service.GetFilteredPolicy(r.Context(), 0, rbac.NormalizeTuple([]string{ref})[0])
	} else {
		tuples, err = h.service.GetPolicy(r.Context())
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	policies := make([]PolicyBody, 0, len(tuples))
	for _, tuple := range tuples {
		if len(tuple) < 4 {
			continue
		}
		policies = append(policies, PolicyBody{
			EntityReference: tuple[0],
			Permission:      tuple[1],
			Policy:          tuple[2],
			Effect:          tuple[3],
		})
	}
	httputil.WriteSuccess(w, policies)
}

// CreatePolicies adds permission policies for roles the API may edit
func (h *Handlers) CreatePolicies(w http.ResponseWriter, r *http.Request) {
	tuples, ok := h.decodePolicies(w, r)
	if !ok {
		return
	}

	for _, tuple := range tuples {
		has, err := h.service.HasPolicy(r.Context(), tuple)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if has {
			httputil.WriteError(w, &rbac.ConflictError{
				RoleEntityRef: tuple[0],
				Detail:        "policy already exists",
			})
			return
		}
	}

	addErr := h.service.AddPolicies(r.Context(), tuples)
	h.auditPolicies(r, audit.EventTypePolicyCreate, tuples, addErr)
	if addErr != nil {
		httputil.WriteError(w, addErr)
		return
	}
	httputil.WriteCreated(w, map[string]int{"created": len(tuples)})
}

// DeletePolicies removes the given permission policies
func (h *Handlers) DeletePolicies(w http.ResponseWriter, r *http.Request) {
	tuples, ok := h.decodePolicies(w, r)
	if !ok {
		return
	}

	for _, tuple := range tuples {
		has, err := h.service.HasPolicy(r.Context(), tuple)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if !has {
			httputil.WriteError(w, &rbac.NotFoundError{RoleEntityRef: tuple[0]})
			return
		}
	}

	deleteErr := h.service.RemovePolicies(r.Context(), tuples)
	h.auditPolicies(r, audit.EventTypePolicyDelete, tuples, deleteErr)
	if deleteErr != nil {
		httputil.WriteError(w, deleteErr)
		return
	}
	httputil.WriteNoContent(w)
}

// Check answers a single authorization request
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Subject == "" || req.Resource == "" || req.Action == "" {
		httputil.WriteError(w, rbac.NewInputError("subject, resource, and action are required"))
		return
	}
	if err := validation.ValidateEntityReference(req.Subject, false, h.cache); err != nil {
		httputil.WriteError(w, err)
		return
	}

	allowed, err := h.service.Enforce(r.Context(), req.Subject, req.Resource, req.Action, req.Roles)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if auditErr := h.auditor.LogEnforcement(r.Context(), req.Subject, req.Resource, req.Action, allowed); auditErr != nil {
		h.log.WithError(auditErr).Warn("failed to audit enforcement check")
	}
	httputil.WriteSuccess(w, map[string]bool{"allowed": allowed})
}

// decodePolicies parses, validates, and provenance-checks a policy body.
// It writes the error response itself when returning ok=false.
func (h *Handlers) decodePolicies(w http.ResponseWriter, r *http.Request) ([][]string, bool) {
	var bodies []PolicyBody
	if err := httputil.DecodeJSON(r, &bodies); err != nil {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if len(bodies) == 0 {
		httputil.WriteError(w, rbac.NewInputError("at least one policy is required"))
		return nil, false
	}

	tuples := make([][]string, 0, len(bodies))
	for _, body := range bodies {
		tuple := rbac.NormalizeTuple([]string{body.EntityReference, body.Permission, body.Policy, body.Effect})
		if err := validation.ValidatePolicy(tuple, h.cache); err != nil {
			httputil.WriteError(w, err)
			return nil, false
		}

		meta, err := h.service.FindRoleMetadata(r.Context(), tuple[0])
		if err != nil {
			httputil.WriteError(w, err)
			return nil, false
		}
		if err := validation.ValidateSource(rbac.SourceREST, meta); err != nil {
			httputil.WriteError(w, err)
			return nil, false
		}
		tuples = append(tuples, tuple)
	}
	return tuples, true
}

func (h *Handlers) auditRole(r *http.Request, eventType audit.EventType, roleRef string, members []string, opErr error) {
	if err := h.auditor.LogRoleChange(r.Context(), eventType, actorOf(r), string(rbac.SourceREST), roleRef, members, opErr); err != nil {
		h.log.WithError(err).Warn("failed to audit role change")
	}
}

func (h *Handlers) auditPolicies(r *http.Request, eventType audit.EventType, tuples [][]string, opErr error) {
	if err := h.auditor.LogPolicyChange(r.Context(), eventType, actorOf(r), string(rbac.SourceREST), tuples, opErr); err != nil {
		h.log.WithError(err).Warn("failed to audit policy change")
	}
}
