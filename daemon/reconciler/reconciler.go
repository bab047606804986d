// Package reconciler keeps the relational store and the LDAP directory
// convergent. Each run diffs the two per certificate type: store rows not
// yet in LDAP are ADD candidates, LDAP fingerprints with no store row are
// DELETE candidates. Every per-object operation is logged for audit.
package reconciler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/iland112/icao-local-pkd/ldapstore"
	"github.com/iland112/icao-local-pkd/store"
)

// certTypes in reconciliation order. CSCA first so chains referenced by
// later types already exist in the directory.
var certTypes = []string{"CSCA", "DSC", "DSC_NC", "MLSC"}

// Store is the relational side of the diff.
type Store interface {
	ListUnsynced(ctx context.Context, certType string) ([]store.Certificate, error)
	ListFingerprints(ctx context.Context, certType string) ([]string, error)
	MarkSynced(ctx context.Context, id, ldapDN string) error
}

// CRLStore is the CRL flavor of Store.
type CRLStore interface {
	ListUnsynced(ctx context.Context) ([]store.CRLRecord, error)
	ListFingerprints(ctx context.Context) ([]string, error)
	MarkSynced(ctx context.Context, id, ldapDN string) error
}

// MasterListStore is the master list flavor of Store. Master lists are
// never deleted from the directory by reconciliation, so only the ADD side
// is needed.
type MasterListStore interface {
	ListUnsynced(ctx context.Context) ([]store.MasterListRecord, error)
	MarkSynced(ctx context.Context, id, ldapDN string) error
}

// Directory is the LDAP side.
type Directory interface {
	SaveCertificate(ctx context.Context, e ldapstore.CertEntry) (string, error)
	SaveCRL(ctx context.Context, e ldapstore.CRLEntry) (string, error)
	SaveMasterList(ctx context.Context, e ldapstore.MasterListEntry) (string, error)
	Delete(ctx context.Context, dn string) error
	ListFingerprints(ctx context.Context, ou string, nonConformant bool) ([]ldapstore.FingerprintEntry, error)
}

// Recorder persists summaries and per-object logs.
type Recorder interface {
	CreateSummary(ctx context.Context, triggeredBy string, dryRun bool) (*store.ReconciliationSummary, error)
	CompleteSummary(ctx context.Context, s *store.ReconciliationSummary) error
	AppendLog(ctx context.Context, l *store.ReconciliationLog) error
}

// Options tunes a Reconciler.
type Options struct {
	Interval    time.Duration
	Concurrency int64 // parallel LDAP operations per type, default 4
	Clock       clock.Clock
}

// Reconciler runs the periodic control loop.
type Reconciler struct {
	certs       Store
	crls        CRLStore
	masterLists MasterListStore
	dir         Directory
	recorder    Recorder
	opts        Options
}

// New wires a reconciler.
func New(certs Store, crls CRLStore, masterLists MasterListStore, dir Directory, recorder Recorder, opts Options) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	return &Reconciler{certs: certs, crls: crls, masterLists: masterLists, dir: dir, recorder: recorder, opts: opts}
}

// Run ticks until ctx is cancelled. A zero interval disables the periodic
// loop (on-demand runs still work through Reconcile).
func (r *Reconciler) Run(ctx context.Context) {
	if r.opts.Interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := r.opts.Clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := r.Reconcile(ctx, "scheduler", false); err != nil {
				log.G(ctx).WithError(err).Error("scheduled reconciliation failed")
			}
		}
	}
}

// Reconcile executes one run and returns the completed summary. In dry-run
// mode no LDAP write happens; every candidate is logged as SKIP.
func (r *Reconciler) Reconcile(ctx context.Context, triggeredBy string, dryRun bool) (*store.ReconciliationSummary, error) {
	start := r.opts.Clock.Now()
	summary, err := r.recorder.CreateSummary(ctx, triggeredBy, dryRun)
	if err != nil {
		return nil, errors.Wrap(err, "open reconciliation summary")
	}

	log.G(ctx).WithFields(log.Fields{
		"summary": summary.ID,
		"trigger": triggeredBy,
		"dry-run": dryRun,
	}).Info("reconciliation started")

	var anyFailed, anyWorked bool
	for _, certType := range certTypes {
		// shutdown is honored between types, never mid-type
		if ctx.Err() != nil {
			break
		}
		added, deleted, failed := r.reconcileType(ctx, summary, certType, dryRun)
		recordTypeCounts(summary, certType, added, deleted)
		summary.SuccessCount += added + deleted
		summary.FailedCount += failed
		if failed > 0 {
			anyFailed = true
		}
		if added+deleted > 0 {
			anyWorked = true
		}
	}
	if ctx.Err() == nil {
		added, deleted, failed := r.reconcileCRLs(ctx, summary, dryRun)
		summary.CRLAdded, summary.CRLDeleted = added, deleted
		summary.SuccessCount += added + deleted
		summary.FailedCount += failed
		if failed > 0 {
			anyFailed = true
		}
		if added+deleted > 0 {
			anyWorked = true
		}
	}
	if ctx.Err() == nil {
		added, failed := r.reconcileMasterLists(ctx, summary, dryRun)
		summary.SuccessCount += added
		summary.FailedCount += failed
		if failed > 0 {
			anyFailed = true
		}
		if added > 0 {
			anyWorked = true
		}
	}

	switch {
	case anyFailed && anyWorked:
		summary.Status = store.ReconcilePartial
	case anyFailed:
		summary.Status = store.ReconcileFailed
	default:
		summary.Status = store.ReconcileCompleted
	}
	summary.DurationMS = r.opts.Clock.Since(start).Milliseconds()

	if err := r.recorder.CompleteSummary(ctx, summary); err != nil {
		return nil, errors.Wrap(err, "complete reconciliation summary")
	}
	log.G(ctx).WithFields(log.Fields{
		"summary":  summary.ID,
		"status":   summary.Status,
		"success":  summary.SuccessCount,
		"failed":   summary.FailedCount,
		"duration": summary.DurationMS,
	}).Info("reconciliation finished")
	return summary, nil
}

// reconcileType syncs one certificate type and returns (added, deleted,
// failed) counts.
func (r *Reconciler) reconcileType(ctx context.Context, summary *store.ReconciliationSummary, certType string, dryRun bool) (int, int, int) {
	logger := log.G(ctx).WithFields(log.Fields{"summary": summary.ID, "type": certType})

	adds, err := r.certs.ListUnsynced(ctx, certType)
	if err != nil {
		logger.WithError(err).Error("listing unsynced rows failed")
		return 0, 0, 1
	}

	storedFPs, err := r.certs.ListFingerprints(ctx, certType)
	if err != nil {
		logger.WithError(err).Error("listing store fingerprints failed")
		return 0, 0, 1
	}
	nonConformant := certType == "DSC_NC"
	ldapEntries, err := r.listDirectory(ctx, certType, nonConformant)
	if err != nil {
		logger.WithError(err).Error("listing directory failed")
		return 0, 0, 1
	}

	storeSet := mapset.NewSet(storedFPs...)
	var deletes []ldapstore.FingerprintEntry
	for _, e := range ldapEntries {
		if !storeSet.Contains(e.Fingerprint) {
			deletes = append(deletes, e)
		}
	}

	// Bounded concurrency per type: one slow LDAP call must not stall the
	// whole batch.
	sem := semaphore.NewWeighted(r.opts.Concurrency)
	var mu sync.Mutex
	var added, deleted, failed int
	var wg sync.WaitGroup

	run := func(fn func() error, counter *int) {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			err := fn()
			mu.Lock()
			if err != nil {
				failed++
			} else {
				*counter++
			}
			mu.Unlock()
		}()
	}

	for i := range adds {
		row := adds[i]
		run(func() error { return r.addOne(ctx, summary, &row, dryRun) }, &added)
	}
	for i := range deletes {
		entry := deletes[i]
		run(func() error { return r.deleteOne(ctx, summary, certType, entry, dryRun) }, &deleted)
	}
	wg.Wait()
	return added, deleted, failed
}

func (r *Reconciler) listDirectory(ctx context.Context, certType string, nonConformant bool) ([]ldapstore.FingerprintEntry, error) {
	switch certType {
	case "CSCA":
		// CSCA rows live under o=csca and o=lc (link certificates)
		csca, err := r.dir.ListFingerprints(ctx, ldapstore.OUCSCA, false)
		if err != nil {
			return nil, err
		}
		lc, err := r.dir.ListFingerprints(ctx, ldapstore.OULinkCert, false)
		if err != nil {
			return nil, err
		}
		return append(csca, lc...), nil
	case "DSC":
		return r.dir.ListFingerprints(ctx, ldapstore.OUDSC, false)
	case "DSC_NC":
		return r.dir.ListFingerprints(ctx, ldapstore.OUDSC, true)
	case "MLSC":
		return r.dir.ListFingerprints(ctx, ldapstore.OUMLSC, false)
	}
	return nil, errors.Errorf("unknown certificate type %q", certType)
}

// addOne writes one ADD candidate to LDAP and marks the row synced.
func (r *Reconciler) addOne(ctx context.Context, summary *store.ReconciliationSummary, row *store.Certificate, dryRun bool) error {
	logRow := &store.ReconciliationLog{
		SummaryID:   summary.ID,
		Fingerprint: row.FingerprintSHA256,
		CertType:    row.CertType,
		CountryCode: row.CountryCode,
		Operation:   store.OpSyncToLDAP,
		Result:      store.ResultSuccess,
	}
	if dryRun {
		logRow.Operation = store.OpSkip
		_ = r.recorder.AppendLog(ctx, logRow)
		return nil
	}

	der, err := store.DecodeBlob(row.DERBytes)
	if err != nil {
		return r.failLog(ctx, logRow, err)
	}

	ou := ouForRow(row)
	dn, err := r.dir.SaveCertificate(ctx, ldapstore.CertEntry{
		Fingerprint:   row.FingerprintSHA256,
		CountryCode:   row.CountryCode,
		OU:            ou,
		SubjectDN:     row.SubjectDN,
		SerialHex:     row.SerialNumber,
		DER:           der,
		NonConformant: row.CertType == "DSC_NC",
	})
	if err != nil {
		return r.failLog(ctx, logRow, err)
	}
	if err := r.certs.MarkSynced(ctx, row.ID, dn); err != nil {
		return r.failLog(ctx, logRow, err)
	}
	_ = r.recorder.AppendLog(ctx, logRow)
	return nil
}

// ouForRow places CSCA-typed rows: self-signed roots under o=csca,
// cross-signed link certificates under o=lc.
func ouForRow(row *store.Certificate) string {
	switch row.CertType {
	case "CSCA":
		if row.IsSelfSigned {
			return ldapstore.OUCSCA
		}
		return ldapstore.OULinkCert
	case "DSC", "DSC_NC":
		return ldapstore.OUDSC
	case "MLSC":
		return ldapstore.OUMLSC
	}
	return ldapstore.OUDSC
}

// deleteOne removes one orphaned LDAP entry.
func (r *Reconciler) deleteOne(ctx context.Context, summary *store.ReconciliationSummary, certType string, entry ldapstore.FingerprintEntry, dryRun bool) error {
	logRow := &store.ReconciliationLog{
		SummaryID:   summary.ID,
		Fingerprint: entry.Fingerprint,
		CertType:    certType,
		CountryCode: entry.CountryCode,
		Operation:   store.OpDeleteFromLDAP,
		Result:      store.ResultSuccess,
	}
	if dryRun {
		logRow.Operation = store.OpSkip
		_ = r.recorder.AppendLog(ctx, logRow)
		return nil
	}
	if err := r.dir.Delete(ctx, entry.DN); err != nil {
		return r.failLog(ctx, logRow, err)
	}
	_ = r.recorder.AppendLog(ctx, logRow)
	return nil
}

// reconcileCRLs is the CRL flavor of reconcileType.
func (r *Reconciler) reconcileCRLs(ctx context.Context, summary *store.ReconciliationSummary, dryRun bool) (int, int, int) {
	logger := log.G(ctx).WithFields(log.Fields{"summary": summary.ID, "type": "CRL"})

	adds, err := r.crls.ListUnsynced(ctx)
	if err != nil {
		logger.WithError(err).Error("listing unsynced CRLs failed")
		return 0, 0, 1
	}
	storedFPs, err := r.crls.ListFingerprints(ctx)
	if err != nil {
		logger.WithError(err).Error("listing CRL fingerprints failed")
		return 0, 0, 1
	}
	ldapEntries, err := r.dir.ListFingerprints(ctx, ldapstore.OUCRL, false)
	if err != nil {
		logger.WithError(err).Error("listing CRL directory failed")
		return 0, 0, 1
	}

	storeSet := mapset.NewSet(storedFPs...)
	var added, deleted, failed int

	for i := range adds {
		row := &adds[i]
		logRow := &store.ReconciliationLog{
			SummaryID:   summary.ID,
			Fingerprint: row.FingerprintSHA256,
			CertType:    "CRL",
			CountryCode: row.CountryCode,
			Operation:   store.OpSyncToLDAP,
			Result:      store.ResultSuccess,
		}
		if dryRun {
			// dry-run still reports the would-be counts
			logRow.Operation = store.OpSkip
			_ = r.recorder.AppendLog(ctx, logRow)
			added++
			continue
		}
		der, err := store.DecodeBlob(row.DERBytes)
		if err == nil {
			var dn string
			dn, err = r.dir.SaveCRL(ctx, ldapstore.CRLEntry{
				Fingerprint: row.FingerprintSHA256,
				CountryCode: row.CountryCode,
				IssuerDN:    row.IssuerDN,
				DER:         der,
			})
			if err == nil {
				err = r.crls.MarkSynced(ctx, row.ID, dn)
			}
		}
		if err != nil {
			_ = r.failLog(ctx, logRow, err)
			failed++
			continue
		}
		_ = r.recorder.AppendLog(ctx, logRow)
		added++
	}

	for _, entry := range ldapEntries {
		if storeSet.Contains(entry.Fingerprint) {
			continue
		}
		if err := r.deleteOne(ctx, summary, "CRL", entry, dryRun); err != nil {
			failed++
			continue
		}
		deleted++
	}
	return added, deleted, failed
}

// reconcileMasterLists retries master list rows whose directory write was
// deferred at ingest time. ADD-only: entries under o=ml are never pruned.
func (r *Reconciler) reconcileMasterLists(ctx context.Context, summary *store.ReconciliationSummary, dryRun bool) (int, int) {
	logger := log.G(ctx).WithFields(log.Fields{"summary": summary.ID, "type": "ML"})

	adds, err := r.masterLists.ListUnsynced(ctx)
	if err != nil {
		logger.WithError(err).Error("listing unsynced master lists failed")
		return 0, 1
	}

	var added, failed int
	for i := range adds {
		row := &adds[i]
		logRow := &store.ReconciliationLog{
			SummaryID:   summary.ID,
			Fingerprint: row.FingerprintSHA256,
			CertType:    "ML",
			CountryCode: row.CountryCode,
			Operation:   store.OpSyncToLDAP,
			Result:      store.ResultSuccess,
		}
		if dryRun {
			logRow.Operation = store.OpSkip
			_ = r.recorder.AppendLog(ctx, logRow)
			added++
			continue
		}
		raw, err := store.DecodeBlob(row.RawBytes)
		if err == nil {
			var dn string
			dn, err = r.dir.SaveMasterList(ctx, ldapstore.MasterListEntry{
				Fingerprint: row.FingerprintSHA256,
				CountryCode: row.CountryCode,
				SignerDN:    row.SignerDN,
				Raw:         raw,
			})
			if err == nil {
				err = r.masterLists.MarkSynced(ctx, row.ID, dn)
			}
		}
		if err != nil {
			_ = r.failLog(ctx, logRow, err)
			failed++
			continue
		}
		_ = r.recorder.AppendLog(ctx, logRow)
		added++
	}
	return added, failed
}

func (r *Reconciler) failLog(ctx context.Context, logRow *store.ReconciliationLog, err error) error {
	logRow.Result = store.ResultFailed
	logRow.ErrorMessage = sql.NullString{String: shortError(err), Valid: true}
	if lerr := r.recorder.AppendLog(ctx, logRow); lerr != nil {
		log.G(ctx).WithError(lerr).Warn("writing reconciliation log failed")
	}
	return err
}

// shortError keeps error_message columns readable.
func shortError(err error) string {
	s := err.Error()
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

func recordTypeCounts(s *store.ReconciliationSummary, certType string, added, deleted int) {
	switch certType {
	case "CSCA":
		s.CSCAAdded, s.CSCADeleted = added, deleted
	case "DSC":
		s.DSCAdded, s.DSCDeleted = added, deleted
	case "DSC_NC":
		s.DSCNCAdded, s.DSCNCDeleted = added, deleted
	case "MLSC":
		s.MLSCAdded, s.MLSCDeleted = added, deleted
	}
}
