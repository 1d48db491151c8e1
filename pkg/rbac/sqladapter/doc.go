// Package sqladapter implements the casbin persistence adapter over
// database/sql, storing rules in the casbin_rule table next to the role
// metadata table. It supports filtered loading for ephemeral enforcement
// views and exposes transaction-bound write helpers so policy writes can join
// the metadata transaction.
package sqladapter
