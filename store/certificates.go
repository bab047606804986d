package store

import (
	"context"
	"crypto/x509"
	"database/sql"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/certificate"
)

// CertificateRepo stores and queries certificate rows.
type CertificateRepo struct {
	db *sqlx.DB
}

// SaveWithDuplicateCheck inserts the certificate unless its fingerprint is
// already present. The upsert is a single ON CONFLICT DO NOTHING statement
// so concurrent uploads of the same certificate never race a check against
// an insert. Returns (row, true) on first insert and (existing row, false)
// on a duplicate sighting.
func (r *CertificateRepo) SaveWithDuplicateCheck(ctx context.Context, c *Certificate) (*Certificate, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO certificate (
			id, fingerprint_sha256, upload_id, cert_type, country_code,
			subject_dn, issuer_dn, serial_number, not_before, not_after,
			is_self_signed, der_bytes, stored_in_ldap, ldap_dn, validation_status
		) VALUES (
			:id, :fingerprint_sha256, :upload_id, :cert_type, :country_code,
			:subject_dn, :issuer_dn, :serial_number, :not_before, :not_after,
			:is_self_signed, :der_bytes, :stored_in_ldap, :ldap_dn, :validation_status
		) ON CONFLICT (fingerprint_sha256) DO NOTHING`, c)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert certificate")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return c, true, nil
	}

	existing, err := r.FindByFingerprint(ctx, c.FingerprintSHA256)
	if err != nil {
		return nil, false, err
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE certificate SET duplicate_count = duplicate_count + 1, updated_at = now()
		WHERE id = $1`, existing.ID); err != nil {
		return nil, false, errors.Wrap(err, "count duplicate sighting")
	}
	if c.UploadID.Valid {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO duplicate_certificate (certificate_id, upload_id)
			VALUES ($1, $2)`, existing.ID, c.UploadID.String); err != nil {
			return nil, false, errors.Wrap(err, "record duplicate sighting")
		}
	}
	existing.DuplicateCount++
	log.G(ctx).WithFields(log.Fields{
		"fingerprint": c.FingerprintSHA256[:16],
		"type":        c.CertType,
		"sightings":   existing.DuplicateCount,
	}).Debug("duplicate certificate")
	return existing, false, nil
}

// DeleteByUpload removes every row inserted by the given upload. Duplicate
// sightings keep the upload_id of their first insert, so this deletes
// exactly the rows an interrupted upload wrote.
func (r *CertificateRepo) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM certificate WHERE upload_id = $1`, uploadID)
	if err != nil {
		return 0, errors.Wrap(err, "delete certificates by upload")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FindByFingerprint returns the row or a not-found error.
func (r *CertificateRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*Certificate, error) {
	var c Certificate
	err := r.db.GetContext(ctx, &c,
		`SELECT * FROM certificate WHERE fingerprint_sha256 = $1`, fingerprint)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "certificate %s", fingerprint)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query certificate")
	}
	return &c, nil
}

// FindByID returns the row or a not-found error.
func (r *CertificateRepo) FindByID(ctx context.Context, id string) (*Certificate, error) {
	var c Certificate
	err := r.db.GetContext(ctx, &c, `SELECT * FROM certificate WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "certificate id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query certificate")
	}
	return &c, nil
}

// FindAllCSCAsBySubjectDN returns every stored CSCA (link certificates
// included, they share cert_type=CSCA) whose subject matches. The match is
// case-insensitive on the normalized DN and must not collapse rows sharing
// a subject: key rollover leaves several CSCAs under one DN and the chain
// builder picks among them by key.
func (r *CertificateRepo) FindAllCSCAsBySubjectDN(ctx context.Context, subjectDN string) ([]*x509.Certificate, error) {
	var rows []Certificate
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM certificate
		WHERE cert_type = 'CSCA' AND lower(subject_dn) = lower($1)
		ORDER BY not_before DESC`, subjectDN)
	if err != nil {
		return nil, errors.Wrap(err, "query CSCAs by subject")
	}

	norm := certificate.NormalizeDN(subjectDN)
	var out []*x509.Certificate
	for i := range rows {
		der, err := DecodeBlob(rows[i].DERBytes)
		if err != nil {
			log.G(ctx).WithField("id", rows[i].ID).WithError(err).Warn("undecodable certificate blob")
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			log.G(ctx).WithField("id", rows[i].ID).WithError(err).Warn("unparsable stored certificate")
			continue
		}
		if certificate.NormalizeDN(cert.Subject.String()) != norm &&
			!strings.EqualFold(rows[i].SubjectDN, subjectDN) {
			continue
		}
		out = append(out, cert)
	}
	return out, nil
}

// ListUnsynced returns rows of the given type with stored_in_ldap=false.
func (r *CertificateRepo) ListUnsynced(ctx context.Context, certType string) ([]Certificate, error) {
	var rows []Certificate
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM certificate
		WHERE cert_type = $1 AND stored_in_ldap = FALSE
		ORDER BY created_at`, certType)
	if err != nil {
		return nil, errors.Wrapf(err, "list unsynced %s", certType)
	}
	return rows, nil
}

// ListFingerprints returns all fingerprints of the given type.
func (r *CertificateRepo) ListFingerprints(ctx context.Context, certType string) ([]string, error) {
	var fps []string
	err := r.db.SelectContext(ctx, &fps,
		`SELECT fingerprint_sha256 FROM certificate WHERE cert_type = $1`, certType)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s fingerprints", certType)
	}
	return fps, nil
}

// ListByValidationStatus returns rows in any of the given statuses.
func (r *CertificateRepo) ListByValidationStatus(ctx context.Context, statuses ...string) ([]Certificate, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM certificate WHERE validation_status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, errors.Wrap(err, "build status query")
	}
	var rows []Certificate
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list certificates by status")
	}
	return rows, nil
}

// MarkSynced flips stored_in_ldap and records the entry DN.
func (r *CertificateRepo) MarkSynced(ctx context.Context, id, ldapDN string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE certificate SET stored_in_ldap = TRUE, ldap_dn = $2, updated_at = now()
		WHERE id = $1`, id, ldapDN)
	return errors.Wrap(err, "mark certificate synced")
}

// UpdateValidationStatus sets the current validation verdict.
func (r *CertificateRepo) UpdateValidationStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE certificate SET validation_status = $2, updated_at = now()
		WHERE id = $1`, id, status)
	return errors.Wrap(err, "update validation status")
}

// CountByType returns row counts grouped by cert_type.
func (r *CertificateRepo) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT cert_type, count(*) FROM certificate GROUP BY cert_type`)
	if err != nil {
		return nil, errors.Wrap(err, "count certificates")
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// ExpireSweep flips VALID rows past their notAfter to EXPIRED_VALID.
// Signature validity is unaffected; the sweep only keeps the informational
// expiry flag current.
func (r *CertificateRepo) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE certificate SET validation_status = 'EXPIRED_VALID', updated_at = now()
		WHERE validation_status = 'VALID' AND not_after < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "expiry sweep")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
