package store

import (
	"context"
	"database/sql"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ReconciliationRepo stores reconciliation runs and their per-object log.
type ReconciliationRepo struct {
	db *sqlx.DB
}

// CreateSummary opens a run with status IN_PROGRESS.
func (r *ReconciliationRepo) CreateSummary(ctx context.Context, triggeredBy string, dryRun bool) (*ReconciliationSummary, error) {
	s := &ReconciliationSummary{
		ID:          uuid.NewString(),
		TriggeredBy: triggeredBy,
		DryRun:      dryRun,
		Status:      ReconcileInProgress,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_summary (id, triggered_by, dry_run, status)
		VALUES ($1, $2, $3, $4)`, s.ID, s.TriggeredBy, s.DryRun, s.Status)
	if err != nil {
		return nil, errors.Wrap(err, "insert reconciliation summary")
	}
	return s, nil
}

// CompleteSummary writes the final counters and status.
func (r *ReconciliationRepo) CompleteSummary(ctx context.Context, s *ReconciliationSummary) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE reconciliation_summary SET
			status = :status,
			csca_added = :csca_added, dsc_added = :dsc_added,
			dsc_nc_added = :dsc_nc_added, mlsc_added = :mlsc_added,
			crl_added = :crl_added,
			csca_deleted = :csca_deleted, dsc_deleted = :dsc_deleted,
			dsc_nc_deleted = :dsc_nc_deleted, mlsc_deleted = :mlsc_deleted,
			crl_deleted = :crl_deleted,
			success_count = :success_count, failed_count = :failed_count,
			duration_ms = :duration_ms, completed_at = now()
		WHERE id = :id`, s)
	return errors.Wrap(err, "complete reconciliation summary")
}

// FindSummary returns a run by id.
func (r *ReconciliationRepo) FindSummary(ctx context.Context, id string) (*ReconciliationSummary, error) {
	var s ReconciliationSummary
	err := r.db.GetContext(ctx, &s, `SELECT * FROM reconciliation_summary WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(cerrdefs.ErrNotFound, "reconciliation summary %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query reconciliation summary")
	}
	return &s, nil
}

// AppendLog writes one per-object operation row.
func (r *ReconciliationRepo) AppendLog(ctx context.Context, l *ReconciliationLog) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO reconciliation_log (summary_id, fingerprint, cert_type, country_code, operation, result, error_message)
		VALUES (:summary_id, :fingerprint, :cert_type, :country_code, :operation, :result, :error_message)`, l)
	return errors.Wrap(err, "insert reconciliation log")
}

// Logs returns the per-object rows of one run.
func (r *ReconciliationRepo) Logs(ctx context.Context, summaryID string) ([]ReconciliationLog, error) {
	var rows []ReconciliationLog
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM reconciliation_log WHERE summary_id = $1 ORDER BY created_at`, summaryID)
	if err != nil {
		return nil, errors.Wrap(err, "query reconciliation log")
	}
	return rows, nil
}
