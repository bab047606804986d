package masterlist

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/iland112/icao-local-pkd/certificate"
)

type testIdentity struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newIdentity(t *testing.T, cn, country string, isCA bool, parent *testIdentity) *testIdentity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NilError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn, Country: []string{country}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	signerTmpl, signerKey := tmpl, key
	if parent != nil {
		signerTmpl, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerTmpl, &key.PublicKey, signerKey)
	assert.NilError(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err)
	return &testIdentity{cert: cert, key: key}
}

type versionedList struct {
	Version  int
	CertList []asn1.RawValue `asn1:"set"`
}

type unversionedList struct {
	CertList []asn1.RawValue `asn1:"set"`
}

func rawCerts(certs ...*x509.Certificate) []asn1.RawValue {
	out := make([]asn1.RawValue, len(certs))
	for i, c := range certs {
		out[i] = asn1.RawValue{FullBytes: c.Raw}
	}
	return out
}

func signedML(t *testing.T, signer *testIdentity, content []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	assert.NilError(t, err)
	assert.NilError(t, sd.AddSigner(signer.cert, signer.key, pkcs7.SignerInfoConfig{}))
	blob, err := sd.Finish()
	assert.NilError(t, err)
	return blob
}

func TestParseVersionedMasterList(t *testing.T) {
	anchor := newIdentity(t, "UN_CSCA", "ZZ", true, nil)
	mlsc := newIdentity(t, "ICAO ML Signer", "ZZ", false, anchor)
	csca1 := newIdentity(t, "CSCA-KR", "KR", true, nil)
	csca2 := newIdentity(t, "CSCA-JP", "JP", true, nil)

	content, err := asn1.Marshal(versionedList{Version: 0, CertList: rawCerts(csca1.cert, csca2.cert)})
	assert.NilError(t, err)
	blob := signedML(t, mlsc, content)

	ml, err := Parse(blob, anchor.cert)
	assert.NilError(t, err)
	assert.Assert(t, ml.Signer != nil)
	assert.Equal(t, ml.CountryCode, "UN")
	assert.Assert(t, ml.Verified)
	assert.Assert(t, is.Len(ml.CSCAs, 2))
}

func TestParseUnversionedMasterList(t *testing.T) {
	mlsc := newIdentity(t, "ML Signer", "DE", false, nil)
	csca := newIdentity(t, "CSCA-DE", "DE", true, nil)

	content, err := asn1.Marshal(unversionedList{CertList: rawCerts(csca.cert)})
	assert.NilError(t, err)
	blob := signedML(t, mlsc, content)

	ml, err := Parse(blob, nil)
	assert.NilError(t, err)
	assert.Equal(t, ml.CountryCode, "DE")
	// no anchor configured, verification is skipped
	assert.Assert(t, !ml.Verified)
	assert.Assert(t, is.Len(ml.CSCAs, 1))
	assert.Equal(t, certificate.FingerprintSHA256(ml.CSCAs[0].Raw), certificate.FingerprintSHA256(csca.cert.Raw))
}

func TestParseUnverifiedSigner(t *testing.T) {
	anchor := newIdentity(t, "UN_CSCA", "ZZ", true, nil)
	rogue := newIdentity(t, "Rogue Signer", "XX", false, nil)
	csca := newIdentity(t, "CSCA-XX", "XX", true, nil)

	content, err := asn1.Marshal(versionedList{Version: 0, CertList: rawCerts(csca.cert)})
	assert.NilError(t, err)
	blob := signedML(t, rogue, content)

	ml, err := Parse(blob, anchor.cert)
	assert.NilError(t, err)
	// signer does not chain to the anchor; stored but flagged unverified
	assert.Assert(t, !ml.Verified)
	assert.Assert(t, is.Len(ml.CSCAs, 1))
}

func TestParseNotCMS(t *testing.T) {
	_, err := Parse([]byte("definitely not DER"), nil)
	assert.ErrorContains(t, err, "not CMS SignedData")
}

func TestParseCertListDirect(t *testing.T) {
	csca := newIdentity(t, "CSCA-FR", "FR", true, nil)

	versioned, err := asn1.Marshal(versionedList{Version: 0, CertList: rawCerts(csca.cert)})
	assert.NilError(t, err)
	certs, err := parseCertList(versioned)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(certs, 1))

	bare, err := asn1.Marshal(unversionedList{CertList: rawCerts(csca.cert)})
	assert.NilError(t, err)
	certs, err = parseCertList(bare)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(certs, 1))

	certs, err = parseCertList(nil)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(certs, 0))
}
