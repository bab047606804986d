package masterlist

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type testDefect struct {
	Description string `asn1:"printable"`
	DefectType  asn1.ObjectIdentifier
}

type testSignerIdent struct {
	IAS asn1.RawValue
}

type testSignerDeviation struct {
	Ident   testSignerIdent
	Defects []testDefect `asn1:"set"`
}

type testDeviationBody struct {
	Version    int
	HashAlg    pkix.AlgorithmIdentifier
	Deviations []testSignerDeviation `asn1:"set"`
}

// issuerAndSerialRaw builds the [1]-tagged IMPLICIT IssuerAndSerialNumber.
func issuerAndSerialRaw(t *testing.T, issuer pkix.Name, serial *big.Int) asn1.RawValue {
	t.Helper()
	ias, err := asn1.Marshal(struct {
		Issuer asn1.RawValue
		Serial *big.Int
	}{
		Issuer: mustMarshalRaw(t, issuer.ToRDNSequence()),
		Serial: serial,
	})
	assert.NilError(t, err)
	var seq asn1.RawValue
	_, err = asn1.Unmarshal(ias, &seq)
	assert.NilError(t, err)
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: seq.Bytes}
}

func mustMarshalRaw(t *testing.T, v interface{}) asn1.RawValue {
	t.Helper()
	der, err := asn1.Marshal(v)
	assert.NilError(t, err)
	return asn1.RawValue{FullBytes: der}
}

func buildDeviationContent(t *testing.T) []byte {
	t.Helper()
	issuer := pkix.Name{CommonName: "CSCA-KR", Country: []string{"KR"}}
	body := testDeviationBody{
		Version: 0,
		HashAlg: pkix.AlgorithmIdentifier{
			Algorithm: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, // sha256
		},
		Deviations: []testSignerDeviation{{
			Ident: testSignerIdent{IAS: issuerAndSerialRaw(t, issuer, big.NewInt(0x1F4))},
			Defects: []testDefect{
				{Description: "wrong signature hash", DefectType: asn1.ObjectIdentifier{2, 23, 136, 1, 1, 10, 1}},
				{Description: "DN encoding defect", DefectType: asn1.ObjectIdentifier{2, 23, 136, 1, 1, 10, 2}},
			},
		}},
	}
	der, err := asn1.Marshal(body)
	assert.NilError(t, err)
	return der
}

func TestParseDeviationContent(t *testing.T) {
	dl := &DeviationList{}
	assert.NilError(t, dl.parseContent(buildDeviationContent(t)))

	assert.Equal(t, dl.Version, 0)
	assert.Assert(t, is.Len(dl.Entries, 2))

	// DER re-sorts SET OF members, so look entries up by OID
	byOID := map[string]DeviationEntry{}
	for _, e := range dl.Entries {
		assert.Equal(t, e.CertSerial, "1F4")
		assert.Assert(t, is.Contains(e.CertIssuerDN, "CN=CSCA-KR"))
		byOID[e.DefectOID] = e
	}
	assert.Equal(t, byOID["2.23.136.1.1.10.1"].DefectDescription, "wrong signature hash")
	assert.Equal(t, byOID["2.23.136.1.1.10.2"].DefectDescription, "DN encoding defect")
}

func TestParseDeviationListSigned(t *testing.T) {
	anchor := newIdentity(t, "UN_CSCA", "ZZ", true, nil)
	signer := newIdentity(t, "DL Signer", "KR", false, anchor)

	blob := signedML(t, signer, buildDeviationContent(t))
	dl, err := ParseDeviationList(blob, anchor.cert)
	assert.NilError(t, err)
	assert.Equal(t, dl.CountryCode, "KR")
	assert.Assert(t, dl.Verified)
	assert.Assert(t, is.Len(dl.Entries, 2))
}

func TestParseDeviationEmptyContent(t *testing.T) {
	dl := &DeviationList{}
	assert.NilError(t, dl.parseContent(nil))
	assert.Assert(t, is.Len(dl.Entries, 0))
}

func TestParseDeviationNotASequence(t *testing.T) {
	der, err := asn1.Marshal(42)
	assert.NilError(t, err)
	dl := &DeviationList{}
	assert.ErrorContains(t, dl.parseContent(der), "not a SEQUENCE")
}
