package certificate

import (
	"crypto/x509"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestExtractMetadata(t *testing.T) {
	nb := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	na := nb.AddDate(10, 0, 0)
	cert, _ := genSelfSigned(t, testCertSpec{
		subject:   caName("CSCA-KR", "KR"),
		serial:    0xABCD,
		isCA:      true,
		keyUsage:  x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		notBefore: nb,
		notAfter:  na,
	})

	m := ExtractMetadata(cert)
	assert.Equal(t, m.PublicKeyAlg, "ECDSA")
	assert.Equal(t, m.PublicKeyBits, 256)
	assert.Equal(t, m.PublicKeyCurve, "P-256")
	assert.Equal(t, m.SerialNumber, "ABCD")
	assert.Equal(t, m.NotBefore, "2024-01-01T00:00:00Z")
	assert.Equal(t, m.SignatureHashAlg, "SHA256")
	assert.Assert(t, m.IsCA)
	assert.Assert(t, m.IsSelfSigned)
	assert.Assert(t, is.Contains(m.KeyUsage, "keyCertSign"))
	assert.Assert(t, is.Contains(m.KeyUsage, "cRLSign"))
	assert.Equal(t, m.FingerprintSHA256, FingerprintSHA256(cert.Raw))
	assert.Assert(t, is.Len(m.FingerprintSHA256, 64))
	assert.Assert(t, is.Len(m.FingerprintSHA1, 40))
}

func TestExtractMetadataCrossSigned(t *testing.T) {
	parent, parentKey := genSelfSigned(t, testCertSpec{
		subject:  caName("CSCA-KR", "KR"),
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign,
	})
	child, _ := genSigned(t, testCertSpec{
		subject:  caName("DSC-9", "KR"),
		keyUsage: x509.KeyUsageDigitalSignature,
	}, parent, parentKey)

	m := ExtractMetadata(child)
	assert.Assert(t, !m.IsSelfSigned)
	assert.Assert(t, EqualDN(m.IssuerDN, parent.Subject.String()))
}

func TestExtractMetadataEKUOIDs(t *testing.T) {
	cert, _ := genSelfSigned(t, testCertSpec{
		subject:  caName("ML Signer", "ZZ"),
		keyUsage: x509.KeyUsageDigitalSignature,
		extraEKU: []asn1OID{{2, 23, 136, 1, 1, 9}},
	})
	m := ExtractMetadata(cert)
	assert.Assert(t, is.Contains(m.ExtKeyUsageOIDs, "2.23.136.1.1.9"))
}

func TestSerialHex(t *testing.T) {
	cert, _ := genSelfSigned(t, testCertSpec{
		subject: caName("X", "XX"),
		serial:  255,
	})
	assert.Equal(t, SerialHex(cert), "FF")
}
