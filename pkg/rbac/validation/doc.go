// Package validation provides the structural and provenance checks applied to
// every policy mutation before it reaches the stores: entity-reference
// grammar, policy and grouping tuple shape, and source-ownership rules.
//
// All functions are pure apart from the optional memoization Cache, which is
// passed in explicitly and cleared by its owner on configuration reload.
package validation
