package store

import (
	"database/sql"
	"time"
)

// Upload statuses.
const (
	UploadStatusUploaded   = "UPLOADED"
	UploadStatusParsing    = "PARSING"
	UploadStatusPending    = "PENDING"
	UploadStatusValidating = "VALIDATING"
	UploadStatusCompleted  = "COMPLETED"
	UploadStatusFailed     = "FAILED"
	UploadStatusDeleted    = "DELETED"
)

// Processing modes.
const (
	ModeAuto   = "AUTO"
	ModeManual = "MANUAL"
)

// Upload file formats.
const (
	FormatLDIF = "LDIF"
	FormatML   = "ML"
	FormatDL   = "DL"
	FormatCert = "CERT"
	FormatCRL  = "CRL"
)

// Upload is one ingested file and its running counters.
type Upload struct {
	ID               string         `db:"id"`
	FileName         string         `db:"file_name"`
	FileHashSHA256   string         `db:"file_hash_sha256"`
	FileFormat       string         `db:"file_format"`
	FileSize         int64          `db:"file_size"`
	Status           string         `db:"status"`
	ProcessingMode   string         `db:"processing_mode"`
	TotalEntries     int            `db:"total_entries"`
	ProcessedEntries int            `db:"processed_entries"`
	CSCACount        int            `db:"csca_count"`
	DSCCount         int            `db:"dsc_count"`
	DSCNCCount       int            `db:"dsc_nc_count"`
	MLSCCount        int            `db:"mlsc_count"`
	CRLCount         int            `db:"crl_count"`
	ValidCount       int            `db:"valid_count"`
	ExpiredValid     int            `db:"expired_valid_count"`
	InvalidCount     int            `db:"invalid_count"`
	PendingCount     int            `db:"pending_count"`
	ErrorCount       int            `db:"error_count"`
	DuplicateCount   int            `db:"duplicate_count"`
	ErrorMessage     sql.NullString `db:"error_message"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
}

// Certificate is one stored certificate row. DER bytes are the identity
// source: fingerprint_sha256 is computed over them.
type Certificate struct {
	ID                string         `db:"id"`
	FingerprintSHA256 string         `db:"fingerprint_sha256"`
	UploadID          sql.NullString `db:"upload_id"`
	CertType          string         `db:"cert_type"`
	CountryCode       string         `db:"country_code"`
	SubjectDN         string         `db:"subject_dn"`
	IssuerDN          string         `db:"issuer_dn"`
	SerialNumber      string         `db:"serial_number"`
	NotBefore         time.Time      `db:"not_before"`
	NotAfter          time.Time      `db:"not_after"`
	IsSelfSigned      bool           `db:"is_self_signed"`
	DERBytes          []byte         `db:"der_bytes"`
	StoredInLDAP      bool           `db:"stored_in_ldap"`
	LDAPDNs           sql.NullString `db:"ldap_dn"`
	ValidationStatus  string         `db:"validation_status"`
	DuplicateCount    int            `db:"duplicate_count"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// CRLRecord is one stored CRL row.
type CRLRecord struct {
	ID                string         `db:"id"`
	FingerprintSHA256 string         `db:"fingerprint_sha256"`
	UploadID          sql.NullString `db:"upload_id"`
	CountryCode       string         `db:"country_code"`
	IssuerDN          string         `db:"issuer_dn"`
	ThisUpdate        time.Time      `db:"this_update"`
	NextUpdate        sql.NullTime   `db:"next_update"`
	CRLNumber         sql.NullString `db:"crl_number"`
	DERBytes          []byte         `db:"der_bytes"`
	StoredInLDAP      bool           `db:"stored_in_ldap"`
	LDAPDNs           sql.NullString `db:"ldap_dn"`
	CreatedAt         time.Time      `db:"created_at"`
}

// RevokedEntry is one serial revoked by a CRL.
type RevokedEntry struct {
	CRLID          string       `db:"crl_id"`
	SerialNumber   string       `db:"serial_number"`
	RevocationDate sql.NullTime `db:"revocation_date"`
	Reason         sql.NullString `db:"reason"`
}

// MasterListRecord is one stored master list.
type MasterListRecord struct {
	ID                string         `db:"id"`
	FingerprintSHA256 string         `db:"fingerprint_sha256"`
	UploadID          sql.NullString `db:"upload_id"`
	CountryCode       string         `db:"country_code"`
	SignerDN          string         `db:"signer_dn"`
	SignatureVerified bool           `db:"signature_verified"`
	CSCACount         int            `db:"csca_count"`
	RawBytes          []byte         `db:"raw_bytes"`
	StoredInLDAP      bool           `db:"stored_in_ldap"`
	LDAPDNs           sql.NullString `db:"ldap_dn"`
	CreatedAt         time.Time      `db:"created_at"`
}

// DeviationListRecord is one stored deviation list.
type DeviationListRecord struct {
	ID                string         `db:"id"`
	FingerprintSHA256 string         `db:"fingerprint_sha256"`
	UploadID          sql.NullString `db:"upload_id"`
	CountryCode       string         `db:"country_code"`
	SignerDN          string         `db:"signer_dn"`
	SignatureVerified bool           `db:"signature_verified"`
	Version           int            `db:"version"`
	RawBytes          []byte         `db:"raw_bytes"`
	CreatedAt         time.Time      `db:"created_at"`
}

// DeviationEntryRecord is one defect tuple of a deviation list.
type DeviationEntryRecord struct {
	DeviationListID   string         `db:"deviation_list_id"`
	CertIssuerDN      string         `db:"cert_issuer_dn"`
	CertSerial        string         `db:"cert_serial"`
	DefectOID         string         `db:"defect_oid"`
	DefectDescription sql.NullString `db:"defect_description"`
}

// ValidationResult is the outcome of one validation attempt.
type ValidationResult struct {
	ID                  string         `db:"id"`
	CertificateID       string         `db:"certificate_id"`
	UploadID            sql.NullString `db:"upload_id"`
	ValidationStatus    string         `db:"validation_status"`
	TrustChainValid     bool           `db:"trust_chain_valid"`
	TrustChainPath      sql.NullString `db:"trust_chain_path"`
	CSCAFound           bool           `db:"csca_found"`
	CSCASubjectDN       sql.NullString `db:"csca_subject_dn"`
	SignatureVerified   bool           `db:"signature_verified"`
	IsExpired           bool           `db:"is_expired"`
	CRLCheckStatus      string         `db:"crl_check_status"`
	CRLRevoked          bool           `db:"crl_revoked"`
	ICAOComplianceLevel sql.NullString `db:"icao_compliance_level"`
	ICAOViolations      sql.NullString `db:"icao_violations"`
	FailureReason       sql.NullString `db:"failure_reason"`
	ErrorMessage        sql.NullString `db:"error_message"`
	DurationMS          int64          `db:"validation_duration_ms"`
	CreatedAt           time.Time      `db:"created_at"`
}

// Reconciliation summary statuses.
const (
	ReconcileInProgress = "IN_PROGRESS"
	ReconcileCompleted  = "COMPLETED"
	ReconcileFailed     = "FAILED"
	ReconcilePartial    = "PARTIAL"
)

// Reconciliation log operations and results.
const (
	OpSyncToLDAP     = "SYNC_TO_LDAP"
	OpDeleteFromLDAP = "DELETE_FROM_LDAP"
	OpSkip           = "SKIP"

	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// ReconciliationSummary is one reconciliation run.
type ReconciliationSummary struct {
	ID           string       `db:"id"`
	TriggeredBy  string       `db:"triggered_by"`
	DryRun       bool         `db:"dry_run"`
	Status       string       `db:"status"`
	CSCAAdded    int          `db:"csca_added"`
	DSCAdded     int          `db:"dsc_added"`
	DSCNCAdded   int          `db:"dsc_nc_added"`
	MLSCAdded    int          `db:"mlsc_added"`
	CRLAdded     int          `db:"crl_added"`
	CSCADeleted  int          `db:"csca_deleted"`
	DSCDeleted   int          `db:"dsc_deleted"`
	DSCNCDeleted int          `db:"dsc_nc_deleted"`
	MLSCDeleted  int          `db:"mlsc_deleted"`
	CRLDeleted   int          `db:"crl_deleted"`
	SuccessCount int          `db:"success_count"`
	FailedCount  int          `db:"failed_count"`
	DurationMS   int64        `db:"duration_ms"`
	StartedAt    time.Time    `db:"started_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

// ReconciliationLog is one per-object reconciliation operation.
type ReconciliationLog struct {
	SummaryID    string         `db:"summary_id"`
	Fingerprint  string         `db:"fingerprint"`
	CertType     string         `db:"cert_type"`
	CountryCode  string         `db:"country_code"`
	Operation    string         `db:"operation"`
	Result       string         `db:"result"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
}
