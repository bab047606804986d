package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ValidationRepo stores per-certificate validation outcomes.
type ValidationRepo struct {
	db *sqlx.DB
}

// Save inserts one validation result.
func (r *ValidationRepo) Save(ctx context.Context, v *ValidationResult) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO validation_result (
			id, certificate_id, upload_id, validation_status,
			trust_chain_valid, trust_chain_path, csca_found, csca_subject_dn,
			signature_verified, is_expired, crl_check_status, crl_revoked,
			icao_compliance_level, icao_violations, failure_reason,
			error_message, validation_duration_ms
		) VALUES (
			:id, :certificate_id, :upload_id, :validation_status,
			:trust_chain_valid, :trust_chain_path, :csca_found, :csca_subject_dn,
			:signature_verified, :is_expired, :crl_check_status, :crl_revoked,
			:icao_compliance_level, :icao_violations, :failure_reason,
			:error_message, :validation_duration_ms
		)`, v)
	return errors.Wrap(err, "insert validation result")
}

// LatestForCertificate returns the most recent result for a certificate,
// or nil when none exists yet.
func (r *ValidationRepo) LatestForCertificate(ctx context.Context, certID string) (*ValidationResult, error) {
	var rows []ValidationResult
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM validation_result WHERE certificate_id = $1
		ORDER BY created_at DESC LIMIT 1`, certID)
	if err != nil {
		return nil, errors.Wrap(err, "query validation result")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListForUpload returns all results of one upload in insertion order.
func (r *ValidationRepo) ListForUpload(ctx context.Context, uploadID string) ([]ValidationResult, error) {
	var rows []ValidationResult
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM validation_result WHERE upload_id = $1 ORDER BY created_at`, uploadID)
	if err != nil {
		return nil, errors.Wrap(err, "list validation results")
	}
	return rows, nil
}
