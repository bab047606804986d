// Package store implements the relational repositories backing the PKD
// daemon: uploads, certificates, CRLs, master lists, deviation lists,
// validation results and reconciliation records.
//
// All repositories share one sqlx handle. Postgres is the supported
// dialect; the DB_TYPE switch exists so misconfiguration is a boot-time
// error rather than a runtime surprise.
package store

import (
	"context"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Options configures the database connection.
type Options struct {
	Type     string // "postgres"; anything else is rejected
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps the sqlx handle and exposes the repositories.
type DB struct {
	db *sqlx.DB
}

// Open connects and pings. An unsupported Type fails here, before any
// component starts.
func Open(ctx context.Context, opts Options) (*DB, error) {
	switch opts.Type {
	case "", "postgres", "postgresql":
	case "oracle":
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "DB_TYPE oracle is not supported by this build")
	default:
		return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "unknown DB_TYPE %q", opts.Type)
	}

	sslmode := opts.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		opts.Host, opts.Port, opts.Name, opts.User, opts.Password, sslmode)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping database %s:%d/%s", opts.Host, opts.Port, opts.Name)
	}

	log.G(ctx).WithFields(log.Fields{
		"host": opts.Host,
		"port": opts.Port,
		"name": opts.Name,
	}).Info("database connected")

	return &DB{db: db}, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Uploads returns the upload repository.
func (d *DB) Uploads() *UploadRepo { return &UploadRepo{db: d.db} }

// Certificates returns the certificate repository.
func (d *DB) Certificates() *CertificateRepo { return &CertificateRepo{db: d.db} }

// CRLs returns the CRL repository.
func (d *DB) CRLs() *CRLRepo { return &CRLRepo{db: d.db} }

// MasterLists returns the master list repository.
func (d *DB) MasterLists() *MasterListRepo { return &MasterListRepo{db: d.db} }

// DeviationLists returns the deviation list repository.
func (d *DB) DeviationLists() *DeviationListRepo { return &DeviationListRepo{db: d.db} }

// ValidationResults returns the validation result repository.
func (d *DB) ValidationResults() *ValidationRepo { return &ValidationRepo{db: d.db} }

// Reconciliations returns the reconciliation repository.
func (d *DB) Reconciliations() *ReconciliationRepo { return &ReconciliationRepo{db: d.db} }
