// Package transport hides the POSIX Unix-domain-socket vs. Windows
// named-pipe difference behind two operations, Bind and Connect, plus the
// naming convention that lets any process compute an MCP's address from
// its name alone (no rendezvous server).
package transport

import "strings"

// Sanitize maps an arbitrary MCP name to the character set an address may
// contain: [A-Za-z0-9_-]. Anything else becomes '_'; an empty result
// becomes "mcp" so that the empty-name edge case still yields a valid,
// non-empty address. Pure and stable across platforms: the proxy binary
// and the pool compute the same address from the same name independently.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "mcp"
	}
	return b.String()
}
