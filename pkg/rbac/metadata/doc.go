// Package metadata persists role provenance records: which source owns each
// role, who created and last modified it, and when. The store is
// transaction-aware so the enforcer delegate can pair every policy-store
// mutation with the matching metadata mutation atomically.
package metadata
