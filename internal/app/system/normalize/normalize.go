// Package normalize trims and canonicalizes user-supplied fields before they
// are validated or stored.
package normalize

import "strings"

// Email trims and lowercases an email address.
func Email(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Name trims a display name, preserving case.
func Name(s string) string { return strings.TrimSpace(s) }

// Username trims a username. Case is preserved for display; uniqueness is
// enforced on the folded form.
func Username(s string) string { return strings.TrimSpace(s) }

// Role trims and lowercases an account role.
func Role(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// QueryParam trims a query-string value, preserving case.
func QueryParam(s string) string { return strings.TrimSpace(s) }

// Date accepts YYYYMMDD or YYYY-MM-DD and returns YYYYMMDD.
func Date(s string) string { return strings.ReplaceAll(strings.TrimSpace(s), "-", "") }
