package certificate

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestParseDNCommaForm(t *testing.T) {
	rdns := ParseDN("CN=CSCA-KR, O=Government, C=KR")
	assert.Assert(t, is.Len(rdns, 3))
	assert.Equal(t, rdns[0].Type, "CN")
	assert.Equal(t, rdns[0].Value, "CSCA-KR")
	assert.Equal(t, rdns[2].Type, "C")
	assert.Equal(t, rdns[2].Value, "KR")
}

func TestParseDNSlashForm(t *testing.T) {
	rdns := ParseDN("/C=DE/O=bsi/CN=csca-germany")
	assert.Assert(t, is.Len(rdns, 3))
	assert.Equal(t, rdns[0].Type, "C")
	assert.Equal(t, rdns[0].Value, "DE")
	assert.Equal(t, rdns[2].Value, "csca-germany")
}

func TestParseDNEscapedComma(t *testing.T) {
	rdns := ParseDN(`CN=Acme\, Inc.,C=US`)
	assert.Assert(t, is.Len(rdns, 2))
	assert.Equal(t, rdns[0].Value, "Acme, Inc.")
}

func TestNormalizeDN(t *testing.T) {
	assert.Equal(t, NormalizeDN("cn=CSCA-KR, c=KR"), "CN=csca-kr,C=kr")
	assert.Equal(t, NormalizeDN(""), "")
}

func TestEqualDNAcrossForms(t *testing.T) {
	assert.Assert(t, EqualDN("CN=CSCA-KR,C=KR", "cn=csca-kr, c=kr"))
	assert.Assert(t, !EqualDN("CN=CSCA-KR,C=KR", "CN=CSCA-JP,C=JP"))
	// slash and comma forms of the same name compare equal only when the
	// component order matches
	assert.Assert(t, EqualDN("/C=KR/CN=CSCA-KR", "C=KR,CN=CSCA-KR"))
}

func TestDNComponent(t *testing.T) {
	assert.Equal(t, DNComponent("CN=DSC-7,O=MOFA,C=JP", "o"), "MOFA")
	assert.Equal(t, DNComponent("CN=DSC-7,C=JP", "OU"), "")
}

func TestCountryFromDN(t *testing.T) {
	for _, tc := range []struct {
		dn   string
		want string
	}{
		{"CN=CSCA-KR,C=KR", "KR"},
		{"CN=CSCA,C=kr", "KR"},
		{"CN=ICAO ML Signer,C=ZZ", "UN"},
		{"CN=UN Signer,O=United Nations", "UN"},
		{"CN=No Country Here", "XX"},
		{"/C=FR/CN=csca", "FR"},
	} {
		assert.Equal(t, CountryFromDN(tc.dn), tc.want, tc.dn)
	}
}

func TestShortCN(t *testing.T) {
	assert.Equal(t, ShortCN("CN=CSCA-KR,O=Gov,C=KR"), "CN=CSCA-KR")
	assert.Equal(t, ShortCN("O=Gov,C=KR"), "O=Gov,C=KR")
}
