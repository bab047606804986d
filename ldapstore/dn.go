package ldapstore

import (
	"fmt"
	"strings"
)

// DIT organization values under c={CC}.
const (
	OUCSCA       = "csca"
	OUDSC        = "dsc"
	OULinkCert   = "lc"
	OUMLSC       = "mlsc"
	OUCRL        = "crl"
	OUMasterList = "ml"
)

// Default container RDN values below the base DN. Deployments mirroring an
// existing DIT can override them per store.
const (
	DefaultDataContainer   = "data"
	DefaultNCDataContainer = "nc-data"
)

// dataDC returns the default data container component: conformant material
// lives under dc=data, non-conformant DSCs under dc=nc-data.
func dataDC(nonConformant bool) string {
	if nonConformant {
		return "dc=" + DefaultNCDataContainer
	}
	return "dc=" + DefaultDataContainer
}

func countryDNIn(dc, baseDN, countryCode string) string {
	return fmt.Sprintf("c=%s,%s,%s", EscapeDNValue(strings.ToUpper(countryCode)), dc, baseDN)
}

func orgDNIn(dc, baseDN, countryCode, ou string) string {
	return fmt.Sprintf("o=%s,%s", ou, countryDNIn(dc, baseDN, countryCode))
}

func entryDNIn(dc, baseDN, countryCode, ou, fingerprint string) string {
	return fmt.Sprintf("cn=%s,%s", EscapeDNValue(fingerprint), orgDNIn(dc, baseDN, countryCode, ou))
}

func legacyEntryDNIn(dc, baseDN, countryCode, ou, subjectCN, serialHex string) string {
	return fmt.Sprintf("cn=%s+sn=%s,%s",
		EscapeDNValue(subjectCN), EscapeDNValue(serialHex),
		orgDNIn(dc, baseDN, countryCode, ou))
}

// CountryDN is the c={CC} container for a country under the default
// data containers.
func CountryDN(baseDN, countryCode string, nonConformant bool) string {
	return countryDNIn(dataDC(nonConformant), baseDN, countryCode)
}

// OrgDN is the o={ou} container under a country.
func OrgDN(baseDN, countryCode, ou string, nonConformant bool) string {
	return orgDNIn(dataDC(nonConformant), baseDN, countryCode, ou)
}

// EntryDN builds the v2 entry DN, keyed by fingerprint:
//
//	cn={fingerprint},o={ou},c={CC},dc=data,{base}
func EntryDN(baseDN, countryCode, ou, fingerprint string, nonConformant bool) string {
	return entryDNIn(dataDC(nonConformant), baseDN, countryCode, ou, fingerprint)
}

// LegacyEntryDN builds the pre-v2 layout keyed by subject CN and serial:
//
//	cn={subjectCN}+sn={serial},o={ou},c={CC},dc=data,{base}
//
// Emitted only when a caller explicitly asks for the legacy form; all new
// writes use EntryDN.
func LegacyEntryDN(baseDN, countryCode, ou, subjectCN, serialHex string, nonConformant bool) string {
	return legacyEntryDNIn(dataDC(nonConformant), baseDN, countryCode, ou, subjectCN, serialHex)
}

// FingerprintFromDN extracts the cn value of a v2 entry DN, or "" when the
// DN is not in the v2 form.
func FingerprintFromDN(dn string) string {
	first, _, _ := strings.Cut(dn, ",")
	first = strings.TrimSpace(first)
	if !strings.HasPrefix(strings.ToLower(first), "cn=") {
		return ""
	}
	v := first[3:]
	if strings.Contains(v, "+") {
		return "" // legacy multi-valued RDN
	}
	return strings.ReplaceAll(v, `\`, "")
}
