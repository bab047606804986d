package daemon

import (
	"encoding/base64"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/iland112/icao-local-pkd/certificate/trust"
	"github.com/iland112/icao-local-pkd/store"
)

func TestSniffFormat(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
		want string
	}{
		{"icaopkd-002-complete-000284.ldif", "", store.FormatLDIF},
		{"DE_ML_2026-08-01.ml", "", store.FormatML},
		{"masterlist.mls", "", store.FormatML},
		{"kr-deviations.dl", "", store.FormatDL},
		{"korea.crl", "", store.FormatCRL},
		{"noext", "version: 1\ndn: cn=x\n", store.FormatLDIF},
		{"noext", "dn: cn=x\n", store.FormatLDIF},
		{"noext", "-----BEGIN X509 CRL-----\nAAAA\n-----END X509 CRL-----\n", store.FormatCRL},
		{"cert.bin", "\x30\x82\x01\x00", store.FormatCert},
	} {
		assert.Equal(t, sniffFormat(tc.name, []byte(tc.data)), tc.want, tc.name)
	}
}

func TestParseLDIFEntries(t *testing.T) {
	cert := []byte{0x30, 0x82, 0x00, 0x05, 0x01}
	crl := []byte{0x30, 0x82, 0x00, 0x06, 0x02}
	src := "dn: cn=abc,o=dsc,c=KR,dc=data,dc=pkd\n" +
		"userCertificate;binary:: " + base64.StdEncoding.EncodeToString(cert) + "\n" +
		"\n" +
		"dn: o=crl,c=KR,dc=data,dc=pkd\n" +
		"certificateRevocationList;binary:: " + base64.StdEncoding.EncodeToString(crl) + "\n" +
		"\n" +
		"dn: cn=noise,c=KR\n" +
		"description: no binary payload here\n"

	entries, err := parseLDIFEntries([]byte(src))
	assert.NilError(t, err)
	// the payload-free entry is dropped
	assert.Assert(t, is.Len(entries, 2))
	assert.Equal(t, entries[0].DN, "cn=abc,o=dsc,c=KR,dc=data,dc=pkd")
	assert.DeepEqual(t, entries[0].Certs[0], cert)
	assert.DeepEqual(t, entries[1].CRLs[0], crl)
}

func TestParseLDIFEntriesMasterListAttr(t *testing.T) {
	ml := []byte{0x30, 0x82, 0x00, 0x07, 0x03}
	src := "dn: cn=ml-DE,o=ml,c=DE,dc=data,dc=pkd\n" +
		"pkdMasterListContent:: " + base64.StdEncoding.EncodeToString(ml) + "\n"
	entries, err := parseLDIFEntries([]byte(src))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 1))
	assert.DeepEqual(t, entries[0].MLBlob, ml)
}

func TestParseLDIFEntriesNoMaterial(t *testing.T) {
	_, err := parseLDIFEntries([]byte("dn: cn=x,c=KR\ndescription: nothing\n"))
	assert.Assert(t, cerrdefs.IsInvalidArgument(err))
}

func TestAllowedTransition(t *testing.T) {
	// PENDING resolves any way except ERROR
	assert.Assert(t, allowedTransition(trust.StatusPending, trust.StatusValid))
	assert.Assert(t, allowedTransition(trust.StatusPending, trust.StatusInvalid))
	assert.Assert(t, allowedTransition(trust.StatusPending, trust.StatusExpiredValid))
	assert.Assert(t, !allowedTransition(trust.StatusPending, trust.StatusError))

	// INVALID only upgrades
	assert.Assert(t, allowedTransition(trust.StatusInvalid, trust.StatusValid))
	assert.Assert(t, allowedTransition(trust.StatusInvalid, trust.StatusExpiredValid))
	assert.Assert(t, !allowedTransition(trust.StatusInvalid, trust.StatusPending))
	assert.Assert(t, !allowedTransition(trust.StatusInvalid, trust.StatusInvalid))

	// settled verdicts never move in a re-run
	assert.Assert(t, !allowedTransition(trust.StatusValid, trust.StatusInvalid))
	assert.Assert(t, !allowedTransition(trust.StatusExpiredValid, trust.StatusValid))
}

func TestStagingRoundTrip(t *testing.T) {
	s, err := newStaging(t.TempDir())
	assert.NilError(t, err)

	in := []stagedEntry{
		{DN: "cn=a,c=KR", Certs: [][]byte{{0x30, 0x01, 0x00}}},
		{DN: "o=crl,c=KR", CRLs: [][]byte{{0x30, 0x02, 0x00}}},
	}
	assert.NilError(t, s.stageLDIF("u1", in))
	out, err := s.loadLDIF("u1")
	assert.NilError(t, err)
	assert.DeepEqual(t, out, in)

	raw := []byte{0x30, 0x82, 0xFF}
	assert.NilError(t, s.stageML("u1", raw))
	got, err := s.loadML("u1")
	assert.NilError(t, err)
	assert.DeepEqual(t, got, raw)

	s.cleanup("u1")
	_, err = s.loadLDIF("u1")
	assert.Assert(t, cerrdefs.IsNotFound(err))
	_, err = s.loadML("u1")
	assert.Assert(t, cerrdefs.IsNotFound(err))
}

func TestStagingLoadMissing(t *testing.T) {
	s, err := newStaging(t.TempDir())
	assert.NilError(t, err)
	_, err = s.loadLDIF("never-staged")
	assert.Assert(t, cerrdefs.IsNotFound(err))
}
