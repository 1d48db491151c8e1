package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
)

// Adapter persists casbin policy rules in the casbin_rule table of the same
// database that holds role metadata. Besides the standard casbin adapter
// interfaces it exposes transaction-bound write helpers, so the enforcer
// delegate can commit a policy-store mutation and the matching metadata
// mutation atomically.
type Adapter struct {
	db       *sql.DB
	mu       sync.Mutex
	filtered bool
}

// Filter restricts which rules LoadFilteredPolicy reads. Empty fields do not
// constrain. PSubjects/GRoles match against lists; PResource/PAction are
// exact.
type Filter struct {
	// PSubjects restricts p rules to these subjects (v0).
	PSubjects []string
	// PResource restricts p rules to this resource (v1).
	PResource string
	// PAction restricts p rules to this action (v2).
	PAction string
	// GRoles restricts g rules to these roles (v1).
	GRoles []string
	// GMembers restricts g rules to these members (v0).
	GMembers []string
}

// New creates an adapter over db. The casbin_rule table must already exist
// (see the metadata package migrations).
func New(db *sql.DB) *Adapter {
	return &Adapter{db: db}
}

// Filtered returns a view of the adapter for ephemeral, filter-scoped
// enforcers. The view shares the database but carries its own filtered flag,
// so throwaway loads never change what the live enforcer observes.
func (a *Adapter) Filtered() *Adapter {
	return &Adapter{db: a.db, filtered: true}
}

// LoadPolicy loads every rule into the casbin model
func (a *Adapter) LoadPolicy(m model.Model) error {
	a.setFiltered(false)
	return a.load(m, `SELECT ptype, v0, v1, v2, v3, v4, v5 FROM casbin_rule`, nil)
}

// LoadFilteredPolicy loads only rules matching the filter. The filter must be
// a *Filter.
func (a *Adapter) LoadFilteredPolicy(m model.Model, filter interface{}) error {
	f, ok := filter.(*Filter)
	if !ok {
		return fmt.Errorf("unsupported filter type %T", filter)
	}

	var clauses []string
	var args []interface{}

	pClause, pArgs := f.policyClause(len(args) + 1)
	if pClause != "" {
		clauses = append(clauses, pClause)
		args = append(args, pArgs...)
	}
	gClause, gArgs := f.groupingClause(len(args) + 1)
	if gClause != "" {
		clauses = append(clauses, gClause)
		args = append(args, gArgs...)
	}

	query := `SELECT ptype, v0, v1, v2, v3, v4, v5 FROM casbin_rule`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " OR ")
	}

	a.setFiltered(true)
	return a.load(m, query, args)
}

// IsFiltered reports whether the last load on this adapter view was filtered
func (a *Adapter) IsFiltered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filtered
}

func (a *Adapter) setFiltered(filtered bool) {
	a.mu.Lock()
	a.filtered = filtered
	a.mu.Unlock()
}

func (f *Filter) policyClause(argOffset int) (string, []interface{}) {
	var conds []string
	var args []interface{}
	next := func() int { return argOffset + len(args) }

	if len(f.PSubjects) > 0 {
		placeholders := make([]string, len(f.PSubjects))
		for i, subject := range f.PSubjects {
			placeholders[i] = fmt.Sprintf("$%d", next())
			args = append(args, subject)
		}
		conds = append(conds, "v0 IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.PResource != "" {
		conds = append(conds, fmt.Sprintf("v1 = $%d", next()))
		args = append(args, f.PResource)
	}
	if f.PAction != "" {
		conds = append(conds, fmt.Sprintf("v2 = $%d", next()))
		args = append(args, f.PAction)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "(ptype = 'p' AND " + strings.Join(conds, " AND ") + ")", args
}

func (f *Filter) groupingClause(argOffset int) (string, []interface{}) {
	var conds []string
	var args []interface{}
	next := func() int { return argOffset + len(args) }

	if len(f.GMembers) > 0 {
		placeholders := make([]string, len(f.GMembers))
		for i, member := range f.GMembers {
			placeholders[i] = fmt.Sprintf("$%d", next())
			args = append(args, member)
		}
		conds = append(conds, "v0 IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(f.GRoles) > 0 {
		placeholders := make([]string, len(f.GRoles))
		for i, role := range f.GRoles {
			placeholders[i] = fmt.Sprintf("$%d", next())
			args = append(args, role)
		}
		conds = append(conds, "v1 IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "(ptype = 'g' AND " + strings.Join(conds, " AND ") + ")", args
}

func (a *Adapter) load(m model.Model, query string, args []interface{}) error {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ptype string
		values := make([]sql.NullString, 6)
		if err := rows.Scan(&ptype, &values[0], &values[1], &values[2], &values[3], &values[4], &values[5]); err != nil {
			return fmt.Errorf("failed to scan policy rule: %w", err)
		}

		line := []string{ptype}
		for _, v := range values {
			if v.Valid && v.String != "" {
				line = append(line, v.String)
			}
		}
		persist.LoadPolicyArray(line, m)
	}
	return rows.Err()
}

// SavePolicy rewrites the whole table from the model. The delegate never
// calls this; it exists to satisfy the adapter contract for tooling.
func (a *Adapter) SavePolicy(m model.Model) error {
	if a.IsFiltered() {
		return fmt.Errorf("cannot save a filtered policy view")
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM casbin_rule`); err != nil {
		return fmt.Errorf("failed to clear policy rules: %w", err)
	}

	for _, section := range []string{"p", "g"} {
		for ptype, assertion := range m[section] {
			for _, rule := range assertion.Policy {
				if err := insertRule(context.Background(), tx, ptype, rule); err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit()
}

// AddPolicy inserts one rule
func (a *Adapter) AddPolicy(sec string, ptype string, rule []string) error {
	return a.InsertRules(context.Background(), nil, ptype, [][]string{rule})
}

// AddPolicies inserts a batch of rules
func (a *Adapter) AddPolicies(sec string, ptype string, rules [][]string) error {
	return a.InsertRules(context.Background(), nil, ptype, rules)
}

// RemovePolicy deletes one rule
func (a *Adapter) RemovePolicy(sec string, ptype string, rule []string) error {
	return a.DeleteRules(context.Background(), nil, ptype, [][]string{rule})
}

// RemovePolicies deletes a batch of rules
func (a *Adapter) RemovePolicies(sec string, ptype string, rules [][]string) error {
	return a.DeleteRules(context.Background(), nil, ptype, rules)
}

// RemoveFilteredPolicy deletes rules matching the field values starting at
// fieldIndex
func (a *Adapter) RemoveFilteredPolicy(sec string, ptype string, fieldIndex int, fieldValues ...string) error {
	conds := []string{"ptype = $1"}
	args := []interface{}{ptype}
	for i, value := range fieldValues {
		if value == "" {
			continue
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("v%d = $%d", fieldIndex+i, len(args)))
	}

	query := `DELETE FROM casbin_rule WHERE ` + strings.Join(conds, " AND ")
	if _, err := a.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to remove filtered policy rules: %w", err)
	}
	return nil
}

// execer is the subset of database/sql shared by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (a *Adapter) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return a.db
}

// InsertRules writes rules of the given ptype, joining tx when non-nil
func (a *Adapter) InsertRules(ctx context.Context, tx *sql.Tx, ptype string, rules [][]string) error {
	for _, rule := range rules {
		if err := insertRule(ctx, a.on(tx), ptype, rule); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRules removes exact rules of the given ptype, joining tx when non-nil
func (a *Adapter) DeleteRules(ctx context.Context, tx *sql.Tx, ptype string, rules [][]string) error {
	for _, rule := range rules {
		conds := []string{"ptype = $1"}
		args := []interface{}{ptype}
		for i := 0; i < 6; i++ {
			value := ""
			if i < len(rule) {
				value = rule[i]
			}
			args = append(args, value)
			conds = append(conds, fmt.Sprintf("v%d = $%d", i, len(args)))
		}

		query := `DELETE FROM casbin_rule WHERE ` + strings.Join(conds, " AND ")
		if _, err := a.on(tx).ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete policy rule %v: %w", rule, err)
		}
	}
	return nil
}

func insertRule(ctx context.Context, q execer, ptype string, rule []string) error {
	values := make([]string, 6)
	copy(values, rule)

	query := `
		INSERT INTO casbin_rule (ptype, v0, v1, v2, v3, v4, v5)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := q.ExecContext(ctx, query, ptype, values[0], values[1], values[2], values[3], values[4], values[5]); err != nil {
		return fmt.Errorf("failed to insert policy rule %v: %w", rule, err)
	}
	return nil
}
