// Package audit records who changed which roles and policies, from which
// source, and what each authorization check decided. Events are structured
// JSON and can be delivered to a file, fanned out to several sinks, or
// dropped entirely.
package audit
