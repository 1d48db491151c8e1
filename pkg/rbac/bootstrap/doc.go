// Package bootstrap seeds the policy store from static configuration at
// startup: the built-in admin role with its fixed grant set, and an
// optional one-time default role.
package bootstrap
