package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/iland112/icao-local-pkd/certificate"
	"github.com/pkg/errors"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newCA(t *testing.T, cn, country string, serial int64) testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Country: []string{country}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	assert.NilError(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err)
	return testCA{cert: cert, key: key}
}

func (ca testCA) issue(t *testing.T, cn, country string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err)
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = time.Now().Add(24 * time.Hour)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn, Country: []string{country}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	assert.NilError(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err)
	return cert
}

// fakeSource serves CSCAs keyed by normalized subject DN.
type fakeSource struct {
	cscas map[string][]*x509.Certificate
	err   error
}

func newFakeSource(cscas ...*x509.Certificate) *fakeSource {
	s := &fakeSource{cscas: map[string][]*x509.Certificate{}}
	for _, c := range cscas {
		s.add(c)
	}
	return s
}

func (s *fakeSource) add(c *x509.Certificate) {
	key := certificate.NormalizeDN(c.Subject.String())
	s.cscas[key] = append(s.cscas[key], c)
}

func (s *fakeSource) FindAllCSCAsBySubjectDN(ctx context.Context, subjectDN string) ([]*x509.Certificate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cscas[certificate.NormalizeDN(subjectDN)], nil
}

func TestBuildValidChain(t *testing.T) {
	ca := newCA(t, "CSCA-KR", "KR", 1)
	dsc := ca.issue(t, "DSC-001", "KR", time.Time{}, time.Time{})
	b := NewChainBuilder(newFakeSource(ca.cert))

	res := b.Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusValid)
	assert.Assert(t, res.Valid)
	assert.Assert(t, res.SignatureVerified)
	assert.Assert(t, res.CSCAFound)
	assert.Equal(t, res.Path, "DSC → CN=CSCA-KR")
	assert.Equal(t, res.Depth, 2)
	assert.Equal(t, res.CSCAFingerprint, certificate.FingerprintSHA256(ca.cert.Raw))
}

func TestBuildKeyRolloverDisambiguation(t *testing.T) {
	// Two CSCAs share the subject DN after a key rollover. Only the second
	// key signed the DSC; the builder must select by key, not by DN order.
	old := newCA(t, "CSCA-KR", "KR", 1)
	rolled := newCA(t, "CSCA-KR", "KR", 2)
	dsc := rolled.issue(t, "DSC-002", "KR", time.Time{}, time.Time{})

	src := newFakeSource(old.cert, rolled.cert)
	res := NewChainBuilder(src).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusValid)
	assert.Equal(t, res.CSCAFingerprint, certificate.FingerprintSHA256(rolled.cert.Raw))
}

func TestBuildPendingWhenCSCAMissing(t *testing.T) {
	ca := newCA(t, "CSCA-JP", "JP", 1)
	dsc := ca.issue(t, "DSC-003", "JP", time.Time{}, time.Time{})

	res := NewChainBuilder(newFakeSource()).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusPending)
	assert.Equal(t, res.Reason, ReasonCSCANotFound)
	assert.Assert(t, !res.CSCAFound)
	assert.Assert(t, is.Contains(res.Message, "no CSCA found"))
}

func TestBuildExpiredValid(t *testing.T) {
	ca := newCA(t, "CSCA-DE", "DE", 1)
	dsc := ca.issue(t, "DSC-004", "DE",
		time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour))

	res := NewChainBuilder(newFakeSource(ca.cert)).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusExpiredValid)
	assert.Assert(t, res.Valid)
	assert.Assert(t, res.LeafExpired)
	assert.Assert(t, res.Expired())
}

func TestBuildNotYetValidIsInvalid(t *testing.T) {
	ca := newCA(t, "CSCA-FR", "FR", 1)
	dsc := ca.issue(t, "DSC-005", "FR",
		time.Now().Add(time.Hour), time.Now().Add(48*time.Hour))

	res := NewChainBuilder(newFakeSource(ca.cert)).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusInvalid)
	assert.Assert(t, res.NotYetValid)
}

func TestBuildWrongKeyIsInvalid(t *testing.T) {
	signer := newCA(t, "CSCA-IT", "IT", 1)
	impostor := newCA(t, "CSCA-IT", "IT", 2)
	dsc := signer.issue(t, "DSC-006", "IT", time.Time{}, time.Time{})

	// only the wrong-key CSCA is stored
	res := NewChainBuilder(newFakeSource(impostor.cert)).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusInvalid)
	assert.Equal(t, res.Reason, "SIGNATURE_INVALID")
	assert.Assert(t, is.Contains(res.Message, "no key-matched CSCA"))
}

func TestBuildTamperedRootSelfSignature(t *testing.T) {
	ca := newCA(t, "CSCA-ES", "ES", 1)
	tampered := *ca.cert
	tampered.Signature = append([]byte(nil), ca.cert.Signature...)
	tampered.Signature[len(tampered.Signature)/2] ^= 0xFF

	res := NewChainBuilder(newFakeSource()).Build(context.Background(), &tampered)
	assert.Equal(t, res.Status, StatusInvalid)
	assert.Assert(t, is.Contains(res.Message, "self-signature"))
}

func TestBuildLinkCertChain(t *testing.T) {
	root := newCA(t, "CSCA-NL", "NL", 1)

	// link certificate: new CA key certified by the old root
	linkKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err)
	linkTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "CSCA-NL-2026", Country: []string{"NL"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	linkDER, err := x509.CreateCertificate(rand.Reader, linkTmpl, root.cert, &linkKey.PublicKey, root.key)
	assert.NilError(t, err)
	link, err := x509.ParseCertificate(linkDER)
	assert.NilError(t, err)

	linkCA := testCA{cert: link, key: linkKey}
	dsc := linkCA.issue(t, "DSC-007", "NL", time.Time{}, time.Time{})

	res := NewChainBuilder(newFakeSource(root.cert, link)).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusValid)
	assert.Equal(t, res.Depth, 3)
	assert.Equal(t, res.Path, "DSC → CN=CSCA-NL-2026 → CN=CSCA-NL")
}

// crossSign re-certifies subject's key under parent, keeping subject's name.
func crossSign(t *testing.T, subject, parent testCA) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, subject.cert, parent.cert, &subject.key.PublicKey, parent.key)
	assert.NilError(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err)
	return cert
}

func TestBuildMaxDepthExceeded(t *testing.T) {
	// Four CA generations, each certified by the next, no self-signed root
	// reachable within the bound.
	gens := make([]testCA, 4)
	for i := range gens {
		gens[i] = newCA(t, fmt.Sprintf("CSCA-GEN-%d", i), "KR", int64(i+1))
	}
	src := newFakeSource()
	for i := 0; i < 3; i++ {
		src.add(crossSign(t, gens[i], gens[i+1]))
	}
	dsc := gens[0].issue(t, "DSC-009", "KR", time.Time{}, time.Time{})

	b := NewChainBuilder(src)
	b.MaxDepth = 2
	res := b.Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusInvalid)
	assert.Assert(t, is.Contains(res.Message, "maximum chain depth exceeded"))
}

func TestBuildCircularReference(t *testing.T) {
	// Two CAs certifying each other; the walk must detect the revisit
	// instead of looping until the depth bound.
	a := newCA(t, "CSCA-CYC-A", "KR", 1)
	b := newCA(t, "CSCA-CYC-B", "KR", 2)

	src := newFakeSource()
	src.add(crossSign(t, a, b))
	src.add(crossSign(t, b, a))
	dsc := a.issue(t, "DSC-010", "KR", time.Time{}, time.Time{})

	res := NewChainBuilder(src).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusInvalid)
	assert.Assert(t, is.Contains(res.Message, "circular reference"))
}

func TestBuildSourceError(t *testing.T) {
	ca := newCA(t, "CSCA-PL", "PL", 1)
	dsc := ca.issue(t, "DSC-008", "PL", time.Time{}, time.Time{})

	src := newFakeSource(ca.cert)
	src.err = errors.New("db down")
	res := NewChainBuilder(src).Build(context.Background(), dsc)
	assert.Equal(t, res.Status, StatusError)
	assert.Assert(t, is.Contains(res.Message, "CSCA lookup failed"))
}

func TestBuildNilLeaf(t *testing.T) {
	res := NewChainBuilder(newFakeSource()).Build(context.Background(), nil)
	assert.Equal(t, res.Status, StatusError)
}
