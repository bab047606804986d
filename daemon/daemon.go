// Package daemon wires the PKD components together and orchestrates the
// upload lifecycle.
package daemon

import (
	"context"
	"crypto/x509"
	"os"
	"sync"

	"code.cloudfoundry.org/clock"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/locker"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/certificate"
	"github.com/iland112/icao-local-pkd/certificate/trust"
	"github.com/iland112/icao-local-pkd/daemon/config"
	"github.com/iland112/icao-local-pkd/daemon/events"
	"github.com/iland112/icao-local-pkd/daemon/reconciler"
	"github.com/iland112/icao-local-pkd/ldapstore"
	"github.com/iland112/icao-local-pkd/store"
)

// Daemon owns the stores, the pipeline, the background loops and the
// per-upload concurrency gate.
type Daemon struct {
	cfg *config.Config

	db      *store.DB
	uploads *store.UploadRepo

	pipe        *pipeline
	progress    *events.Manager
	staging     *staging
	inflight    *locker.Locker
	reconciler  *reconciler.Reconciler
	revalidator *Revalidator

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc // uploads with a running pipeline
}

// New constructs a daemon from configuration: connects the database,
// applies the schema, dials LDAP, loads the trust anchor and wires every
// component. Fatal misconfiguration surfaces here, before any loop starts.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	db, err := store.Open(ctx, store.Options{
		Type:            cfg.DB.Type,
		Host:            cfg.DB.Host,
		Port:            cfg.DB.Port,
		Name:            cfg.DB.Name,
		User:            cfg.DB.User,
		Password:        cfg.DB.Password,
		SSLMode:         cfg.DB.SSLMode,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	pool, err := ldapstore.NewPool(ctx, ldapstore.PoolOptions{
		ReadURLs:       cfg.LDAP.ReadURLs(),
		WriteURL:       cfg.LDAP.WriteURL(),
		BindDN:         cfg.LDAP.BindDN,
		BindPassword:   cfg.LDAP.BindPassword,
		StartTLS:       cfg.LDAP.StartTLS,
		ReadConns:      cfg.LDAP.ReadConns,
		AcquireTimeout: cfg.LDAP.AcquireTimeout,
		NetworkTimeout: cfg.LDAP.NetworkTimeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	dir := ldapstore.New(pool, cfg.LDAP.BaseDN,
		ldapstore.WithLegacyDN(cfg.LegacyLDAPDN),
		ldapstore.WithContainers(cfg.LDAP.DataContainer, cfg.LDAP.NCDataContainer))

	anchor, err := loadTrustAnchor(cfg.TrustAnchorPath)
	if err != nil {
		db.Close()
		pool.Close()
		return nil, err
	}

	stage, err := newStaging(cfg.TempDir)
	if err != nil {
		db.Close()
		pool.Close()
		return nil, err
	}

	certs := db.Certificates()
	chains := trust.NewChainBuilder(&cscaSource{certs: certs})
	progress := events.NewManager()

	d := &Daemon{
		cfg:      cfg,
		db:       db,
		uploads:  db.Uploads(),
		progress: progress,
		staging:  stage,
		inflight: locker.New(),
		cancels:  map[string]context.CancelFunc{},
		pipe: &pipeline{
			certs:       certs,
			crls:        db.CRLs(),
			masterLists: db.MasterLists(),
			deviations:  db.DeviationLists(),
			validations: db.ValidationResults(),
			dir:         dir,
			chains:      chains,
			crlCheck:    trust.NewCRLChecker(db.CRLs()),
			policy:      trust.DefaultCompliancePolicy(),
			progress:    progress,
			anchor:      anchor,
		},
	}
	clk := clock.NewClock()
	d.reconciler = reconciler.New(certs, db.CRLs(), db.MasterLists(), dir, db.Reconciliations(), reconciler.Options{
		Interval:    cfg.AutoReconcileInterval,
		Concurrency: int64(cfg.ReconcileConcurrency),
		Clock:       clk,
	})
	d.revalidator = NewRevalidator(certs, db.ValidationResults(), chains, clk, cfg.RevalidateInterval)
	return d, nil
}

// Run starts the background loops and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.reconciler.Run(ctx)
	go d.revalidator.Run(ctx)
	log.G(ctx).Info("pkd daemon running")
	<-ctx.Done()
	return nil
}

// Reconcile triggers an on-demand reconciliation run.
func (d *Daemon) Reconcile(ctx context.Context, triggeredBy string, dryRun bool) (*store.ReconciliationSummary, error) {
	s, err := d.reconciler.Reconcile(ctx, triggeredBy, dryRun)
	if s != nil {
		adds := s.CSCAAdded + s.DSCAdded + s.DSCNCAdded + s.MLSCAdded + s.CRLAdded
		dels := s.CSCADeleted + s.DSCDeleted + s.DSCNCDeleted + s.MLSCDeleted + s.CRLDeleted
		reconcileOperations.WithValues("add", "success").Inc(float64(adds))
		reconcileOperations.WithValues("delete", "success").Inc(float64(dels))
		reconcileOperations.WithValues("any", "failed").Inc(float64(s.FailedCount))
	}
	return s, err
}

// Progress returns the progress snapshot for an upload.
func (d *Daemon) Progress(uploadID string) events.Progress {
	return d.progress.Snapshot(uploadID)
}

// SubscribeProgress returns a snapshot stream and its cancel func.
func (d *Daemon) SubscribeProgress() (chan interface{}, func()) {
	return d.progress.Subscribe()
}

// Close releases the daemon's resources.
func (d *Daemon) Close() error {
	return d.db.Close()
}

// cscaSource adapts the certificate repository to the chain builder.
type cscaSource struct {
	certs *store.CertificateRepo
}

func (s *cscaSource) FindAllCSCAsBySubjectDN(ctx context.Context, subjectDN string) ([]*x509.Certificate, error) {
	return s.certs.FindAllCSCAsBySubjectDN(ctx, subjectDN)
}

// loadTrustAnchor reads the UN CSCA anchor. An empty path disables master
// list verification; an unreadable path is fatal.
func loadTrustAnchor(path string) (*x509.Certificate, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "trust anchor %s: %v", path, err)
	}
	anchor, err := certificate.ParseOne(data)
	if err != nil {
		return nil, errors.Wrapf(err, "trust anchor %s", path)
	}
	return anchor, nil
}
