package ldapstore

import (
	"fmt"
	"strings"
)

// EscapeDNValue escapes an attribute value for use in a DN per RFC 4514:
// leading/trailing spaces, leading '#', and the special characters
// ,+"\<>; are backslash-escaped.
func EscapeDNValue(v string) string {
	if v == "" {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == ' ' && (i == 0 || i == len(v)-1):
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '#' && i == 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case strings.IndexByte(`,+"\<>;=`, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20:
			fmt.Fprintf(&b, `\%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// EscapeFilterValue escapes a value for use inside a search filter per
// RFC 4515: ( ) * \ and NUL become \XX hex escapes.
func EscapeFilterValue(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		switch c := v[i]; c {
		case '(', ')', '*', '\\', 0:
			fmt.Fprintf(&b, `\%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
