// Package middleware provides HTTP middleware for the administration API:
// request ids, actor attribution, access logging with panic recovery, and
// per-principal rate limiting.
package middleware
