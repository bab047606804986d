// Package ldapstore writes PKD material into the fixed ICAO DIT and reads
// it back for reconciliation:
//
//	{base}
//	└── dc=data | dc=nc-data
//	    └── c={CC}
//	        └── o={csca|dsc|lc|mlsc|crl|ml}
//	            └── cn={fingerprint}
//
// Containers are provisioned on demand; entry writes go through the pool's
// single write connection.
package ldapstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/certificate"
)

// Store is the LDAP-backed directory store.
type Store struct {
	pool      *Pool
	baseDN    string
	legacyDN  bool
	dataRDN   string
	ncDataRDN string

	mu          sync.Mutex
	provisioned map[string]bool // container DNs known to exist
}

// Option configures a Store.
type Option func(*Store)

// WithLegacyDN switches certificate writes to the pre-v2 subject+serial
// entry layout. Fingerprint-based reconciliation cannot read legacy
// entries back, so the flag is for mirroring into existing legacy trees
// only.
func WithLegacyDN(legacy bool) Option {
	return func(s *Store) { s.legacyDN = legacy }
}

// WithContainers overrides the dc RDN values below the base DN for
// conformant and non-conformant material. Empty values keep the defaults.
func WithContainers(data, ncData string) Option {
	return func(s *Store) {
		if data != "" {
			s.dataRDN = "dc=" + EscapeDNValue(data)
		}
		if ncData != "" {
			s.ncDataRDN = "dc=" + EscapeDNValue(ncData)
		}
	}
}

// New returns a store writing under baseDN.
func New(pool *Pool, baseDN string, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		baseDN:      baseDN,
		dataRDN:     dataDC(false),
		ncDataRDN:   dataDC(true),
		provisioned: map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// dc returns the configured data container component.
func (s *Store) dc(nonConformant bool) string {
	if nonConformant {
		return s.ncDataRDN
	}
	return s.dataRDN
}

// CertEntry is the material needed to write one certificate entry.
type CertEntry struct {
	Fingerprint   string
	CountryCode   string
	OU            string // csca, dsc, lc, mlsc
	SubjectDN     string
	SerialHex     string
	DER           []byte
	NonConformant bool

	// DSC-NC only
	ConformanceCode string
	ConformanceText string
	PKDVersion      string
}

// SaveCertificate writes (or refreshes) one certificate entry and returns
// its DN. An add hitting an existing entry degrades to a modify/replace of
// the binary attribute so re-ingest converges instead of failing.
func (s *Store) SaveCertificate(ctx context.Context, e CertEntry) (string, error) {
	dn := s.certDN(e)
	if err := s.ensureContainers(ctx, e.CountryCode, e.OU, e.NonConformant); err != nil {
		return "", err
	}

	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "person", "organizationalPerson", "inetOrgPerson", "pkdDownload"})
	req.Attribute("cn", []string{e.Fingerprint})
	req.Attribute("sn", []string{orUnknown(e.SerialHex)})
	req.Attribute("description", []string{s.describe(e)})
	req.Attribute("userCertificate;binary", []string{string(e.DER)})
	if e.NonConformant {
		if e.ConformanceCode != "" {
			req.Attribute("pkdConformanceCode", []string{e.ConformanceCode})
		}
		if e.ConformanceText != "" {
			req.Attribute("pkdConformanceText", []string{e.ConformanceText})
		}
		if e.PKDVersion != "" {
			req.Attribute("pkdVersion", []string{e.PKDVersion})
		}
	}

	err := s.pool.WithWrite(ctx, func(conn *ldap.Conn) error {
		err := conn.Add(req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			mod := ldap.NewModifyRequest(dn, nil)
			mod.Replace("userCertificate;binary", []string{string(e.DER)})
			mod.Replace("description", []string{s.describe(e)})
			return conn.Modify(mod)
		}
		return err
	})
	if err != nil {
		return "", wrapLDAPErr(err, "save certificate %s", e.Fingerprint)
	}
	log.G(ctx).WithFields(log.Fields{"dn": dn, "ou": e.OU}).Debug("ldap entry written")
	return dn, nil
}

// certDN picks the entry DN layout. Legacy mode keys entries by subject CN
// and serial; entries without a CN fall back to the fingerprint form.
func (s *Store) certDN(e CertEntry) string {
	dc := s.dc(e.NonConformant)
	if s.legacyDN {
		if cn := certificate.DNComponent(e.SubjectDN, "CN"); cn != "" {
			return legacyEntryDNIn(dc, s.baseDN, e.CountryCode, e.OU, cn, orUnknown(e.SerialHex))
		}
	}
	return entryDNIn(dc, s.baseDN, e.CountryCode, e.OU, e.Fingerprint)
}

// describe builds the human-readable description attribute carrying the
// full subject DN and fingerprint, the place where DN components with no
// standard attribute (emailAddress, serialNumber) survive.
func (s *Store) describe(e CertEntry) string {
	return fmt.Sprintf("subject=%s; fingerprint=%s", e.SubjectDN, e.Fingerprint)
}

// CRLEntry is the material for one CRL entry under o=crl.
type CRLEntry struct {
	Fingerprint string
	CountryCode string
	IssuerDN    string
	DER         []byte
}

// SaveCRL writes one CRL entry and returns its DN.
func (s *Store) SaveCRL(ctx context.Context, e CRLEntry) (string, error) {
	dn := entryDNIn(s.dc(false), s.baseDN, e.CountryCode, OUCRL, e.Fingerprint)
	if err := s.ensureContainers(ctx, e.CountryCode, OUCRL, false); err != nil {
		return "", err
	}

	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "cRLDistributionPoint", "pkdDownload"})
	req.Attribute("cn", []string{e.Fingerprint})
	req.Attribute("certificateRevocationList;binary", []string{string(e.DER)})

	err := s.pool.WithWrite(ctx, func(conn *ldap.Conn) error {
		err := conn.Add(req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			mod := ldap.NewModifyRequest(dn, nil)
			mod.Replace("certificateRevocationList;binary", []string{string(e.DER)})
			return conn.Modify(mod)
		}
		return err
	})
	if err != nil {
		return "", wrapLDAPErr(err, "save crl %s", e.Fingerprint)
	}
	return dn, nil
}

// MasterListEntry is the material for one master list entry under o=ml.
type MasterListEntry struct {
	Fingerprint string
	CountryCode string
	SignerDN    string
	Raw         []byte
}

// SaveMasterList writes one master list entry and returns its DN.
func (s *Store) SaveMasterList(ctx context.Context, e MasterListEntry) (string, error) {
	dn := entryDNIn(s.dc(false), s.baseDN, e.CountryCode, OUMasterList, e.Fingerprint)
	if err := s.ensureContainers(ctx, e.CountryCode, OUMasterList, false); err != nil {
		return "", err
	}

	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "pkdMasterList", "pkdDownload"})
	req.Attribute("cn", []string{e.Fingerprint})
	req.Attribute("pkdMasterListContent", []string{string(e.Raw)})

	err := s.pool.WithWrite(ctx, func(conn *ldap.Conn) error {
		err := conn.Add(req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			mod := ldap.NewModifyRequest(dn, nil)
			mod.Replace("pkdMasterListContent", []string{string(e.Raw)})
			return conn.Modify(mod)
		}
		return err
	})
	if err != nil {
		return "", wrapLDAPErr(err, "save master list %s", e.Fingerprint)
	}
	return dn, nil
}

// Delete removes one entry by DN. Deleting a missing entry is a no-op.
func (s *Store) Delete(ctx context.Context, dn string) error {
	err := s.pool.WithWrite(ctx, func(conn *ldap.Conn) error {
		err := conn.Del(ldap.NewDelRequest(dn, nil))
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil
		}
		return err
	})
	return wrapLDAPErr(err, "delete %s", dn)
}

// ensureContainers provisions dc=data/c={CC}/o={ou} (and the nc-data
// variant). Already-provisioned paths are remembered so the common case is
// a map hit.
func (s *Store) ensureContainers(ctx context.Context, countryCode, ou string, nonConformant bool) error {
	dataRDN := s.dc(nonConformant)
	orgDN := orgDNIn(dataRDN, s.baseDN, countryCode, ou)

	s.mu.Lock()
	done := s.provisioned[orgDN]
	s.mu.Unlock()
	if done {
		return nil
	}

	dc := strings.TrimPrefix(dataRDN, "dc=")
	containers := []struct {
		dn      string
		classes []string
		attrs   map[string][]string
	}{
		{
			dn:      fmt.Sprintf("%s,%s", dataRDN, s.baseDN),
			classes: []string{"top", "dcObject", "organization"},
			attrs:   map[string][]string{"dc": {dc}, "o": {dc}},
		},
		{
			dn:      countryDNIn(dataRDN, s.baseDN, countryCode),
			classes: []string{"top", "country"},
			attrs:   map[string][]string{"c": {strings.ToUpper(countryCode)}},
		},
		{
			dn:      orgDN,
			classes: []string{"top", "organization"},
			attrs:   map[string][]string{"o": {ou}},
		},
	}

	err := s.pool.WithWrite(ctx, func(conn *ldap.Conn) error {
		for _, c := range containers {
			req := ldap.NewAddRequest(c.dn, nil)
			req.Attribute("objectClass", c.classes)
			for name, vals := range c.attrs {
				req.Attribute(name, vals)
			}
			if err := conn.Add(req); err != nil &&
				!ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
				return errors.Wrapf(err, "provision %s", c.dn)
			}
		}
		return nil
	})
	if err != nil {
		return wrapLDAPErr(err, "provision containers for c=%s,o=%s", countryCode, ou)
	}

	s.mu.Lock()
	s.provisioned[orgDN] = true
	s.mu.Unlock()
	return nil
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// wrapLDAPErr maps network-level failures to the transient-unavailable
// sentinel so callers leave stored_in_ldap=false for the reconciler.
func wrapLDAPErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if isConnError(err) {
		return errors.Wrapf(cerrdefs.ErrUnavailable, format+": %v", append(args, err)...)
	}
	return errors.Wrapf(err, format, args...)
}
