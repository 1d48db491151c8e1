package rbac

import (
	"fmt"

	"github.com/casbin/casbin/v2/model"
)

// ModelText is the authorization model evaluated by the enforcer. Policy
// rules carry an explicit effect column so a deny rule overrides any
// number of allow rules for the same request.
const ModelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act, eft

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow)) && !some(where (p.eft == deny))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// NewModel parses ModelText into a fresh casbin model instance.
func NewModel() (model.Model, error) {
	m, err := model.NewModelFromString(ModelText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorization model: %w", err)
	}
	return m, nil
}
