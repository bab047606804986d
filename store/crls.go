package store

import (
	"context"
	"crypto/x509"
	"database/sql"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// CRLRepo stores CRL rows and their revoked-serial entries.
type CRLRepo struct {
	db *sqlx.DB
}

// SaveWithDuplicateCheck inserts the CRL and its revoked entries unless the
// fingerprint already exists. Same upsert contract as the certificate repo.
func (r *CRLRepo) SaveWithDuplicateCheck(ctx context.Context, c *CRLRecord, revoked []RevokedEntry) (*CRLRecord, bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin crl insert")
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO crl (
			id, fingerprint_sha256, upload_id, country_code, issuer_dn,
			this_update, next_update, crl_number, der_bytes, stored_in_ldap, ldap_dn
		) VALUES (
			:id, :fingerprint_sha256, :upload_id, :country_code, :issuer_dn,
			:this_update, :next_update, :crl_number, :der_bytes, :stored_in_ldap, :ldap_dn
		) ON CONFLICT (fingerprint_sha256) DO NOTHING`, c)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert crl")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := r.FindByFingerprint(ctx, c.FingerprintSHA256)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	for i := range revoked {
		revoked[i].CRLID = c.ID
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO crl_revoked_entry (crl_id, serial_number, revocation_date, reason)
			VALUES (:crl_id, :serial_number, :revocation_date, :reason)
			ON CONFLICT DO NOTHING`, &revoked[i]); err != nil {
			return nil, false, errors.Wrap(err, "insert revoked entry")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "commit crl insert")
	}
	return c, true, nil
}

// FindByFingerprint returns the row or a not-found error.
func (r *CRLRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*CRLRecord, error) {
	var c CRLRecord
	err := r.db.GetContext(ctx, &c, `SELECT * FROM crl WHERE fingerprint_sha256 = $1`, fingerprint)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "crl %s", fingerprint)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query crl")
	}
	return &c, nil
}

// LatestCRLByCountry returns the most recent parsed CRL for the country,
// or a not-found error. Rows with undecodable blobs are skipped rather than
// failing the revocation check for the whole country.
func (r *CRLRepo) LatestCRLByCountry(ctx context.Context, countryCode string) (*x509.RevocationList, error) {
	var rows []CRLRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM crl WHERE country_code = $1
		ORDER BY this_update DESC LIMIT 5`, countryCode)
	if err != nil {
		return nil, errors.Wrapf(err, "query crls for %s", countryCode)
	}
	for i := range rows {
		der, err := DecodeBlob(rows[i].DERBytes)
		if err != nil {
			continue
		}
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			log.G(ctx).WithField("id", rows[i].ID).WithError(err).Warn("unparsable stored CRL")
			continue
		}
		return crl, nil
	}
	return nil, errors.Wrapf(cerrdefs.ErrNotFound, "no CRL for country %s", countryCode)
}

// ListUnsynced returns CRL rows with stored_in_ldap=false.
func (r *CRLRepo) ListUnsynced(ctx context.Context) ([]CRLRecord, error) {
	var rows []CRLRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM crl WHERE stored_in_ldap = FALSE ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list unsynced crls")
	}
	return rows, nil
}

// ListFingerprints returns all CRL fingerprints.
func (r *CRLRepo) ListFingerprints(ctx context.Context) ([]string, error) {
	var fps []string
	err := r.db.SelectContext(ctx, &fps, `SELECT fingerprint_sha256 FROM crl`)
	if err != nil {
		return nil, errors.Wrap(err, "list crl fingerprints")
	}
	return fps, nil
}

// MarkSynced flips stored_in_ldap and records the entry DN.
func (r *CRLRepo) MarkSynced(ctx context.Context, id, ldapDN string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE crl SET stored_in_ldap = TRUE, ldap_dn = $2 WHERE id = $1`, id, ldapDN)
	return errors.Wrap(err, "mark crl synced")
}

// DeleteByUpload removes every CRL row inserted by the given upload.
// Revoked entries go with their CRL via the cascade.
func (r *CRLRepo) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM crl WHERE upload_id = $1`, uploadID)
	if err != nil {
		return 0, errors.Wrap(err, "delete crls by upload")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
