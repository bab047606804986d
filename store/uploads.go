package store

import (
	"context"
	"database/sql"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// UploadRepo stores upload rows and enforces byte-level dedup.
type UploadRepo struct {
	db *sqlx.DB
}

// Create inserts a new upload. When the file hash matches an existing row
// the insert is a no-op and an already-exists error wrapping the existing
// id is returned, so callers can surface the original upload.
func (r *UploadRepo) Create(ctx context.Context, u *Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO upload (
			id, file_name, file_hash_sha256, file_format, file_size,
			status, processing_mode
		) VALUES (
			:id, :file_name, :file_hash_sha256, :file_format, :file_size,
			:status, :processing_mode
		) ON CONFLICT (file_hash_sha256) DO NOTHING`, u)
	if err != nil {
		return errors.Wrap(err, "insert upload")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	existing, err := r.FindByHash(ctx, u.FileHashSHA256)
	if err != nil {
		return err
	}
	return errors.Wrapf(cerrdefs.ErrAlreadyExists, "duplicate upload, existing id %s", existing.ID)
}

// FindByID returns the row or a not-found error.
func (r *UploadRepo) FindByID(ctx context.Context, id string) (*Upload, error) {
	var u Upload
	err := r.db.GetContext(ctx, &u, `SELECT * FROM upload WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "upload %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query upload")
	}
	return &u, nil
}

// FindByHash returns the row matching the content hash.
func (r *UploadRepo) FindByHash(ctx context.Context, hash string) (*Upload, error) {
	var u Upload
	err := r.db.GetContext(ctx, &u, `SELECT * FROM upload WHERE file_hash_sha256 = $1`, hash)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "upload with hash %s", hash)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query upload by hash")
	}
	return &u, nil
}

// ListByStatus returns uploads in the given status, oldest first.
func (r *UploadRepo) ListByStatus(ctx context.Context, status string) ([]Upload, error) {
	var rows []Upload
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM upload WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, errors.Wrap(err, "list uploads")
	}
	return rows, nil
}

// SetStatus transitions the upload, recording error_message on FAILED and
// completed_at on terminal states.
func (r *UploadRepo) SetStatus(ctx context.Context, id, status, errMsg string) error {
	terminal := status == UploadStatusCompleted || status == UploadStatusFailed || status == UploadStatusDeleted
	var err error
	if terminal {
		_, err = r.db.ExecContext(ctx, `
			UPDATE upload SET status = $2, error_message = NULLIF($3, ''),
				completed_at = now(), updated_at = now()
			WHERE id = $1`, id, status, errMsg)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE upload SET status = $2, error_message = NULLIF($3, ''), updated_at = now()
			WHERE id = $1`, id, status, errMsg)
	}
	return errors.Wrapf(err, "set upload %s status %s", id, status)
}

// UpdateCounters persists the per-upload statistics after processing.
func (r *UploadRepo) UpdateCounters(ctx context.Context, u *Upload) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE upload SET
			total_entries = :total_entries,
			processed_entries = :processed_entries,
			csca_count = :csca_count,
			dsc_count = :dsc_count,
			dsc_nc_count = :dsc_nc_count,
			mlsc_count = :mlsc_count,
			crl_count = :crl_count,
			valid_count = :valid_count,
			expired_valid_count = :expired_valid_count,
			invalid_count = :invalid_count,
			pending_count = :pending_count,
			error_count = :error_count,
			duplicate_count = :duplicate_count,
			updated_at = now()
		WHERE id = :id`, u)
	return errors.Wrap(err, "update upload counters")
}

// Delete removes the row. Validation results cascade; certificates are
// shared and only lose their upload reference.
func (r *UploadRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM upload WHERE id = $1`, id)
	return errors.Wrapf(err, "delete upload %s", id)
}
