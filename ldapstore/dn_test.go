package ldapstore

import (
	"testing"

	"gotest.tools/v3/assert"
)

const testBase = "dc=data,dc=download,dc=pkd,dc=icao,dc=int"

func TestEscapeDNValue(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a,b", `a\,b`},
		{"a+b=c", `a\+b\=c`},
		{" lead", `\ lead`},
		{"trail ", `trail\ `},
		{"#hash", `\#hash`},
		{`back\slash`, `back\\slash`},
		{"", ""},
	} {
		assert.Equal(t, EscapeDNValue(tc.in), tc.want, tc.in)
	}
}

func TestEscapeFilterValue(t *testing.T) {
	assert.Equal(t, EscapeFilterValue("abc"), "abc")
	assert.Equal(t, EscapeFilterValue("a*b"), `a\2ab`)
	assert.Equal(t, EscapeFilterValue("(x)"), `\28x\29`)
	assert.Equal(t, EscapeFilterValue(`a\b`), `a\5cb`)
}

func TestEntryDN(t *testing.T) {
	dn := EntryDN("dc=pkd", "kr", OUDSC, "abc123", false)
	assert.Equal(t, dn, "cn=abc123,o=dsc,c=KR,dc=data,dc=pkd")
}

func TestEntryDNNonConformant(t *testing.T) {
	dn := EntryDN("dc=pkd", "DE", OUDSC, "ff00", true)
	assert.Equal(t, dn, "cn=ff00,o=dsc,c=DE,dc=nc-data,dc=pkd")
}

func TestLegacyEntryDN(t *testing.T) {
	dn := LegacyEntryDN("dc=pkd", "KR", OUCSCA, "CSCA, Korea", "1F4", false)
	assert.Equal(t, dn, `cn=CSCA\, Korea+sn=1F4,o=csca,c=KR,dc=data,dc=pkd`)
}

func TestCountryAndOrgDN(t *testing.T) {
	assert.Equal(t, CountryDN(testBase, "jp", false), "c=JP,"+testBase)
	assert.Equal(t, OrgDN(testBase, "JP", OUCRL, false), "o=crl,c=JP,"+testBase)
}

func TestCertDNCustomContainers(t *testing.T) {
	s := New(nil, "dc=pkd", WithContainers("download", "nc-download"))

	dn := s.certDN(CertEntry{Fingerprint: "abc123", CountryCode: "kr", OU: OUDSC})
	assert.Equal(t, dn, "cn=abc123,o=dsc,c=KR,dc=download,dc=pkd")

	dn = s.certDN(CertEntry{Fingerprint: "ff00", CountryCode: "DE", OU: OUDSC, NonConformant: true})
	assert.Equal(t, dn, "cn=ff00,o=dsc,c=DE,dc=nc-download,dc=pkd")
}

func TestWithContainersEmptyKeepsDefaults(t *testing.T) {
	s := New(nil, "dc=pkd", WithContainers("", ""))
	dn := s.certDN(CertEntry{Fingerprint: "abc", CountryCode: "FR", OU: OUCSCA})
	assert.Equal(t, dn, "cn=abc,o=csca,c=FR,dc=data,dc=pkd")
}

func TestFingerprintFromDN(t *testing.T) {
	fp := "9f86d081884c7d65"
	dn := EntryDN(testBase, "KR", OUDSC, fp, false)
	assert.Equal(t, FingerprintFromDN(dn), fp)

	// legacy multi-valued RDNs carry no fingerprint
	legacy := LegacyEntryDN(testBase, "KR", OUDSC, "DSC-1", "1F4", false)
	assert.Equal(t, FingerprintFromDN(legacy), "")

	assert.Equal(t, FingerprintFromDN("o=dsc,c=KR"), "")
	assert.Equal(t, FingerprintFromDN(""), "")
}
