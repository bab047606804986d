package store

import (
	"context"
	"database/sql"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// MasterListRepo stores master list rows.
type MasterListRepo struct {
	db *sqlx.DB
}

// SaveWithDuplicateCheck inserts unless the fingerprint exists.
func (r *MasterListRepo) SaveWithDuplicateCheck(ctx context.Context, m *MasterListRecord) (*MasterListRecord, bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO master_list (
			id, fingerprint_sha256, upload_id, country_code, signer_dn,
			signature_verified, csca_count, raw_bytes, stored_in_ldap, ldap_dn
		) VALUES (
			:id, :fingerprint_sha256, :upload_id, :country_code, :signer_dn,
			:signature_verified, :csca_count, :raw_bytes, :stored_in_ldap, :ldap_dn
		) ON CONFLICT (fingerprint_sha256) DO NOTHING`, m)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert master list")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return m, true, nil
	}
	existing, err := r.FindByFingerprint(ctx, m.FingerprintSHA256)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindByFingerprint returns the row or a not-found error.
func (r *MasterListRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*MasterListRecord, error) {
	var m MasterListRecord
	err := r.db.GetContext(ctx, &m, `SELECT * FROM master_list WHERE fingerprint_sha256 = $1`, fingerprint)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "master list %s", fingerprint)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query master list")
	}
	return &m, nil
}

// ListUnsynced returns rows with stored_in_ldap=false.
func (r *MasterListRepo) ListUnsynced(ctx context.Context) ([]MasterListRecord, error) {
	var rows []MasterListRecord
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM master_list WHERE stored_in_ldap = FALSE ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list unsynced master lists")
	}
	return rows, nil
}

// MarkSynced flips stored_in_ldap and records the entry DN.
func (r *MasterListRepo) MarkSynced(ctx context.Context, id, ldapDN string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE master_list SET stored_in_ldap = TRUE, ldap_dn = $2 WHERE id = $1`, id, ldapDN)
	return errors.Wrap(err, "mark master list synced")
}

// DeleteByUpload removes every master list row inserted by the given upload.
func (r *MasterListRepo) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM master_list WHERE upload_id = $1`, uploadID)
	if err != nil {
		return 0, errors.Wrap(err, "delete master lists by upload")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeviationListRepo stores deviation lists and their defect entries.
type DeviationListRepo struct {
	db *sqlx.DB
}

// SaveWithDuplicateCheck inserts the list and its entries unless the
// fingerprint exists.
func (r *DeviationListRepo) SaveWithDuplicateCheck(ctx context.Context, d *DeviationListRecord, entries []DeviationEntryRecord) (*DeviationListRecord, bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin deviation list insert")
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO deviation_list (
			id, fingerprint_sha256, upload_id, country_code, signer_dn,
			signature_verified, version, raw_bytes
		) VALUES (
			:id, :fingerprint_sha256, :upload_id, :country_code, :signer_dn,
			:signature_verified, :version, :raw_bytes
		) ON CONFLICT (fingerprint_sha256) DO NOTHING`, d)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert deviation list")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := r.FindByFingerprint(ctx, d.FingerprintSHA256)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	for i := range entries {
		entries[i].DeviationListID = d.ID
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO deviation_entry (deviation_list_id, cert_issuer_dn, cert_serial, defect_oid, defect_description)
			VALUES (:deviation_list_id, :cert_issuer_dn, :cert_serial, :defect_oid, :defect_description)`, &entries[i]); err != nil {
			return nil, false, errors.Wrap(err, "insert deviation entry")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "commit deviation list insert")
	}
	return d, true, nil
}

// FindByFingerprint returns the row or a not-found error.
func (r *DeviationListRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*DeviationListRecord, error) {
	var d DeviationListRecord
	err := r.db.GetContext(ctx, &d, `SELECT * FROM deviation_list WHERE fingerprint_sha256 = $1`, fingerprint)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "deviation list %s", fingerprint)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query deviation list")
	}
	return &d, nil
}

// DeleteByUpload removes every deviation list row inserted by the given
// upload. Defect entries go with their list via the cascade.
func (r *DeviationListRepo) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM deviation_list WHERE upload_id = $1`, uploadID)
	if err != nil {
		return 0, errors.Wrap(err, "delete deviation lists by upload")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Entries returns the defect tuples of one deviation list.
func (r *DeviationListRepo) Entries(ctx context.Context, listID string) ([]DeviationEntryRecord, error) {
	var rows []DeviationEntryRecord
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM deviation_entry WHERE deviation_list_id = $1`, listID)
	if err != nil {
		return nil, errors.Wrap(err, "query deviation entries")
	}
	return rows, nil
}
