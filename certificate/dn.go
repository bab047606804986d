package certificate

import (
	"crypto/x509/pkix"
	"strings"
)

// RDN is a single relative distinguished name component, e.g. CN=CSCA-KR.
type RDN struct {
	Type  string
	Value string
}

// ParseDN splits a distinguished name string into its RDN components.
// Both RFC 2253 comma-separated and OpenSSL slash-separated forms appear in
// PKD data; both are accepted. Escaped separators inside values are honored
// for the comma form.
func ParseDN(dn string) []RDN {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return nil
	}

	var parts []string
	if strings.HasPrefix(dn, "/") {
		parts = splitUnescaped(dn[1:], '/')
	} else {
		parts = splitUnescaped(dn, ',')
	}

	rdns := make([]RDN, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		typ, val, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		rdns = append(rdns, RDN{
			Type:  strings.ToUpper(strings.TrimSpace(typ)),
			Value: strings.TrimSpace(unescapeDNValue(val)),
		})
	}
	return rdns
}

func splitUnescaped(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte('\\')
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		cur.WriteByte('\\')
	}
	parts = append(parts, cur.String())
	return parts
}

func unescapeDNValue(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// NormalizeDN produces the canonical comparison form of a DN: RDNs in
// original order, types uppercased, values lowercased, single "TYPE=value"
// per component joined by ",". Used for all issuer/subject equality checks.
func NormalizeDN(dn string) string {
	rdns := ParseDN(dn)
	if len(rdns) == 0 {
		return ""
	}
	parts := make([]string, len(rdns))
	for i, r := range rdns {
		parts[i] = r.Type + "=" + strings.ToLower(r.Value)
	}
	return strings.Join(parts, ",")
}

// EqualDN reports whether two DN strings denote the same name
// (case-insensitive, whitespace-normalized, format-agnostic).
func EqualDN(a, b string) bool {
	return NormalizeDN(a) == NormalizeDN(b)
}

// DNString renders a pkix.Name in RFC 2253 form.
func DNString(name pkix.Name) string {
	return name.String()
}

// DNComponent returns the first value of the given RDN type in dn, or "".
func DNComponent(dn, typ string) string {
	typ = strings.ToUpper(typ)
	for _, r := range ParseDN(dn) {
		if r.Type == typ {
			return r.Value
		}
	}
	return ""
}

// CountryFromDN extracts the ISO 3166 alpha-2 country code from a subject or
// issuer DN. ZZ (ISO "unknown territory") and O=United Nations both normalize
// to UN per ICAO practice; a DN with no usable country yields XX.
func CountryFromDN(dn string) string {
	c := strings.ToUpper(DNComponent(dn, "C"))
	o := DNComponent(dn, "O")
	if strings.Contains(strings.ToLower(o), "united nations") {
		return "UN"
	}
	switch c {
	case "":
		return "XX"
	case "ZZ":
		return "UN"
	}
	return c
}

// ShortCN returns the trust-chain-path label for a certificate subject:
// "CN=<value>" when a CN is present, otherwise the full normalized DN.
func ShortCN(subjectDN string) string {
	if cn := DNComponent(subjectDN, "CN"); cn != "" {
		return "CN=" + cn
	}
	return subjectDN
}
