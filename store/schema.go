package store

import (
	"context"

	"github.com/containerd/log"
	"github.com/pkg/errors"
)

// schema is applied idempotently at boot. Uploads own their validation
// results (cascade); certificates are shared across uploads and survive
// upload deletion.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS upload (
		id                 TEXT PRIMARY KEY,
		file_name          TEXT NOT NULL,
		file_hash_sha256   TEXT NOT NULL UNIQUE,
		file_format        TEXT NOT NULL,
		file_size          BIGINT NOT NULL,
		status             TEXT NOT NULL,
		processing_mode    TEXT NOT NULL,
		total_entries      INTEGER NOT NULL DEFAULT 0,
		processed_entries  INTEGER NOT NULL DEFAULT 0,
		csca_count         INTEGER NOT NULL DEFAULT 0,
		dsc_count          INTEGER NOT NULL DEFAULT 0,
		dsc_nc_count       INTEGER NOT NULL DEFAULT 0,
		mlsc_count         INTEGER NOT NULL DEFAULT 0,
		crl_count          INTEGER NOT NULL DEFAULT 0,
		valid_count        INTEGER NOT NULL DEFAULT 0,
		expired_valid_count INTEGER NOT NULL DEFAULT 0,
		invalid_count      INTEGER NOT NULL DEFAULT 0,
		pending_count      INTEGER NOT NULL DEFAULT 0,
		error_count        INTEGER NOT NULL DEFAULT 0,
		duplicate_count    INTEGER NOT NULL DEFAULT 0,
		error_message      TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at       TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS certificate (
		id                 TEXT PRIMARY KEY,
		fingerprint_sha256 TEXT NOT NULL UNIQUE,
		upload_id          TEXT REFERENCES upload(id) ON DELETE SET NULL,
		cert_type          TEXT NOT NULL,
		country_code       TEXT NOT NULL,
		subject_dn         TEXT NOT NULL,
		issuer_dn          TEXT NOT NULL,
		serial_number      TEXT NOT NULL,
		not_before         TIMESTAMPTZ NOT NULL,
		not_after          TIMESTAMPTZ NOT NULL,
		is_self_signed     BOOLEAN NOT NULL DEFAULT FALSE,
		der_bytes          BYTEA NOT NULL,
		stored_in_ldap     BOOLEAN NOT NULL DEFAULT FALSE,
		ldap_dn            TEXT,
		validation_status  TEXT NOT NULL DEFAULT 'PENDING',
		duplicate_count    INTEGER NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_certificate_subject_dn ON certificate (lower(subject_dn))`,
	`CREATE INDEX IF NOT EXISTS idx_certificate_type_ldap ON certificate (cert_type, stored_in_ldap)`,
	`CREATE INDEX IF NOT EXISTS idx_certificate_status ON certificate (validation_status)`,

	`CREATE TABLE IF NOT EXISTS duplicate_certificate (
		certificate_id TEXT NOT NULL REFERENCES certificate(id) ON DELETE CASCADE,
		upload_id      TEXT REFERENCES upload(id) ON DELETE SET NULL,
		seen_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_duplicate_certificate ON duplicate_certificate (certificate_id)`,

	`CREATE TABLE IF NOT EXISTS crl (
		id                 TEXT PRIMARY KEY,
		fingerprint_sha256 TEXT NOT NULL UNIQUE,
		upload_id          TEXT REFERENCES upload(id) ON DELETE SET NULL,
		country_code       TEXT NOT NULL,
		issuer_dn          TEXT NOT NULL,
		this_update        TIMESTAMPTZ NOT NULL,
		next_update        TIMESTAMPTZ,
		crl_number         TEXT,
		der_bytes          BYTEA NOT NULL,
		stored_in_ldap     BOOLEAN NOT NULL DEFAULT FALSE,
		ldap_dn            TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crl_country ON crl (country_code, this_update DESC)`,

	`CREATE TABLE IF NOT EXISTS crl_revoked_entry (
		crl_id          TEXT NOT NULL REFERENCES crl(id) ON DELETE CASCADE,
		serial_number   TEXT NOT NULL,
		revocation_date TIMESTAMPTZ,
		reason          TEXT,
		PRIMARY KEY (crl_id, serial_number)
	)`,

	`CREATE TABLE IF NOT EXISTS master_list (
		id                 TEXT PRIMARY KEY,
		fingerprint_sha256 TEXT NOT NULL UNIQUE,
		upload_id          TEXT REFERENCES upload(id) ON DELETE SET NULL,
		country_code       TEXT NOT NULL,
		signer_dn          TEXT NOT NULL,
		signature_verified BOOLEAN NOT NULL DEFAULT FALSE,
		csca_count         INTEGER NOT NULL DEFAULT 0,
		raw_bytes          BYTEA NOT NULL,
		stored_in_ldap     BOOLEAN NOT NULL DEFAULT FALSE,
		ldap_dn            TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS deviation_list (
		id                 TEXT PRIMARY KEY,
		fingerprint_sha256 TEXT NOT NULL UNIQUE,
		upload_id          TEXT REFERENCES upload(id) ON DELETE SET NULL,
		country_code       TEXT NOT NULL,
		signer_dn          TEXT NOT NULL,
		signature_verified BOOLEAN NOT NULL DEFAULT FALSE,
		version            INTEGER NOT NULL DEFAULT 0,
		raw_bytes          BYTEA NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS deviation_entry (
		deviation_list_id  TEXT NOT NULL REFERENCES deviation_list(id) ON DELETE CASCADE,
		cert_issuer_dn     TEXT NOT NULL,
		cert_serial        TEXT NOT NULL,
		defect_oid         TEXT NOT NULL,
		defect_description TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS validation_result (
		id                    TEXT PRIMARY KEY,
		certificate_id        TEXT NOT NULL REFERENCES certificate(id) ON DELETE CASCADE,
		upload_id             TEXT REFERENCES upload(id) ON DELETE CASCADE,
		validation_status     TEXT NOT NULL,
		trust_chain_valid     BOOLEAN NOT NULL DEFAULT FALSE,
		trust_chain_path      TEXT,
		csca_found            BOOLEAN NOT NULL DEFAULT FALSE,
		csca_subject_dn       TEXT,
		signature_verified    BOOLEAN NOT NULL DEFAULT FALSE,
		is_expired            BOOLEAN NOT NULL DEFAULT FALSE,
		crl_check_status      TEXT NOT NULL DEFAULT 'NOT_CHECKED',
		crl_revoked           BOOLEAN NOT NULL DEFAULT FALSE,
		icao_compliance_level TEXT,
		icao_violations       TEXT,
		failure_reason        TEXT,
		error_message         TEXT,
		validation_duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validation_cert ON validation_result (certificate_id)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_summary (
		id             TEXT PRIMARY KEY,
		triggered_by   TEXT NOT NULL,
		dry_run        BOOLEAN NOT NULL DEFAULT FALSE,
		status         TEXT NOT NULL,
		csca_added     INTEGER NOT NULL DEFAULT 0,
		dsc_added      INTEGER NOT NULL DEFAULT 0,
		dsc_nc_added   INTEGER NOT NULL DEFAULT 0,
		mlsc_added     INTEGER NOT NULL DEFAULT 0,
		crl_added      INTEGER NOT NULL DEFAULT 0,
		csca_deleted   INTEGER NOT NULL DEFAULT 0,
		dsc_deleted    INTEGER NOT NULL DEFAULT 0,
		dsc_nc_deleted INTEGER NOT NULL DEFAULT 0,
		mlsc_deleted   INTEGER NOT NULL DEFAULT 0,
		crl_deleted    INTEGER NOT NULL DEFAULT 0,
		success_count  INTEGER NOT NULL DEFAULT 0,
		failed_count   INTEGER NOT NULL DEFAULT 0,
		duration_ms    BIGINT NOT NULL DEFAULT 0,
		started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at   TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_log (
		summary_id    TEXT NOT NULL REFERENCES reconciliation_summary(id) ON DELETE CASCADE,
		fingerprint   TEXT NOT NULL,
		cert_type     TEXT NOT NULL,
		country_code  TEXT NOT NULL,
		operation     TEXT NOT NULL,
		result        TEXT NOT NULL,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_log_summary ON reconciliation_log (summary_id)`,
}

// Migrate applies the schema statements in order.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "schema statement %d", i)
		}
	}
	log.G(ctx).WithField("statements", len(schema)).Debug("schema applied")
	return nil
}
