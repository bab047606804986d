package certificate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// testCertSpec drives the test certificate generator.
type testCertSpec struct {
	subject   pkix.Name
	serial    int64
	isCA      bool
	keyUsage  x509.KeyUsage
	notBefore time.Time
	notAfter  time.Time
	extraEKU  []asn1OID
}

type asn1OID = []int

// genSelfSigned creates a self-signed test certificate and its key.
func genSelfSigned(t *testing.T, spec testCertSpec) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err)
	cert := signCert(t, spec, nil, nil, key)
	return cert, key
}

// genSigned creates a certificate signed by parent.
func genSigned(t *testing.T, spec testCertSpec, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err)
	cert := signCert(t, spec, parent, parentKey, key)
	return cert, key
}

func signCert(t *testing.T, spec testCertSpec, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	if spec.serial == 0 {
		spec.serial = time.Now().UnixNano()
	}
	if spec.notBefore.IsZero() {
		spec.notBefore = time.Now().Add(-time.Hour)
	}
	if spec.notAfter.IsZero() {
		spec.notAfter = time.Now().Add(24 * time.Hour)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(spec.serial),
		Subject:               spec.subject,
		NotBefore:             spec.notBefore,
		NotAfter:              spec.notAfter,
		IsCA:                  spec.isCA,
		KeyUsage:              spec.keyUsage,
		BasicConstraintsValid: true,
	}
	for _, oid := range spec.extraEKU {
		tmpl.UnknownExtKeyUsage = append(tmpl.UnknownExtKeyUsage, oid)
	}
	signer := tmpl
	signKey := key
	if parent != nil {
		signer = parent
		signKey = parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signKey)
	assert.NilError(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err)
	return cert
}

func caName(cn, country string) pkix.Name {
	return pkix.Name{CommonName: cn, Country: []string{country}}
}
