// Package provider connects external systems of record (identity
// providers, group sync jobs) to the policy store. Each provider owns the
// roles it applies, identified by a source named after the provider, and
// every apply replaces that provider's previous state.
package provider
