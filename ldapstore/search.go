package ldapstore

import (
	"context"
	"strings"

	"github.com/containerd/log"
	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// FingerprintEntry is one directory entry located by a reconciliation scan.
type FingerprintEntry struct {
	DN          string
	Fingerprint string
	CountryCode string
}

// ListFingerprints enumerates every entry of one OU across all countries,
// returning the cn (fingerprint) per entry. Used by the reconciler to
// compute delete candidates, so it scans dc=data (or dc=nc-data) wholesale
// with a subtree search filtered on the organization level.
func (s *Store) ListFingerprints(ctx context.Context, ou string, nonConformant bool) ([]FingerprintEntry, error) {
	base := s.dc(nonConformant) + "," + s.baseDN
	filter := "(&(objectClass=pkdDownload)(cn=*))"

	var out []FingerprintEntry
	err := s.pool.WithRead(ctx, func(conn *ldap.Conn) error {
		req := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter,
			[]string{"cn"},
			nil,
		)
		res, err := conn.SearchWithPaging(req, 500)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				return nil // tree not provisioned yet
			}
			return errors.Wrapf(err, "search %s", base)
		}
		want := "o=" + ou + ","
		for _, entry := range res.Entries {
			if !strings.Contains(strings.ToLower(entry.DN), want) {
				continue
			}
			out = append(out, FingerprintEntry{
				DN:          entry.DN,
				Fingerprint: entry.GetAttributeValue("cn"),
				CountryCode: countryOfDN(entry.DN),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(log.Fields{"ou": ou, "entries": len(out)}).Debug("ldap scan")
	return out, nil
}

// Exists reports whether the entry DN is present.
func (s *Store) Exists(ctx context.Context, dn string) (bool, error) {
	var found bool
	err := s.pool.WithRead(ctx, func(conn *ldap.Conn) error {
		req := ldap.NewSearchRequest(
			dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
			"(objectClass=*)", []string{"cn"}, nil,
		)
		res, err := conn.Search(req)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				return nil
			}
			return errors.Wrapf(err, "base search %s", dn)
		}
		found = len(res.Entries) > 0
		return nil
	})
	return found, err
}

// countryOfDN pulls the c= component out of an entry DN.
func countryOfDN(dn string) string {
	for _, part := range strings.Split(dn, ",") {
		part = strings.TrimSpace(part)
		if len(part) > 2 && strings.EqualFold(part[:2], "c=") {
			return part[2:]
		}
	}
	return ""
}
