package daemon

import (
	"context"
	"crypto/x509"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"

	"github.com/iland112/icao-local-pkd/certificate/trust"
	"github.com/iland112/icao-local-pkd/store"
)

// Revalidator re-attempts chain construction for certificates whose
// earlier validation was inconclusive: PENDING rows waiting for a missing
// CSCA and INVALID rows that may have failed against a stale key set. It
// runs periodically and immediately after any ingest that adds CSCAs.
type Revalidator struct {
	certs       *store.CertificateRepo
	validations *store.ValidationRepo
	chains      *trust.ChainBuilder
	clock       clock.Clock
	interval    time.Duration

	kick chan struct{}
}

// NewRevalidator wires a revalidator. A zero interval disables the ticker;
// Kick still triggers runs.
func NewRevalidator(certs *store.CertificateRepo, validations *store.ValidationRepo, chains *trust.ChainBuilder, clk clock.Clock, interval time.Duration) *Revalidator {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Revalidator{
		certs:       certs,
		validations: validations,
		chains:      chains,
		clock:       clk,
		interval:    interval,
		kick:        make(chan struct{}, 1),
	}
}

// Kick requests an immediate run. Coalesces: a pending kick absorbs later
// ones.
func (r *Revalidator) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (r *Revalidator) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := r.clock.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-r.kick:
		}
		if err := r.RunOnce(ctx); err != nil {
			log.G(ctx).WithError(err).Error("revalidation pass failed")
		}
	}
}

// RunOnce executes one revalidation pass: re-chain PENDING and INVALID
// rows, then sweep VALID rows past their notAfter to EXPIRED_VALID.
//
// Transitions are restricted to the promotions and demotions a new CSCA
// can honestly cause; a re-run never moves a row back to PENDING once it
// has resolved.
func (r *Revalidator) RunOnce(ctx context.Context) error {
	rows, err := r.certs.ListByValidationStatus(ctx,
		string(trust.StatusPending), string(trust.StatusInvalid))
	if err != nil {
		return err
	}

	var promoted, unchanged int
	for i := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row := &rows[i]
		der, err := store.DecodeBlob(row.DERBytes)
		if err != nil {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}

		res := r.chains.Build(ctx, cert)
		newStatus := res.Status
		if !allowedTransition(trust.Status(row.ValidationStatus), newStatus) {
			unchanged++
			continue
		}
		if string(newStatus) == row.ValidationStatus {
			unchanged++
			continue
		}
		if err := r.certs.UpdateValidationStatus(ctx, row.ID, string(newStatus)); err != nil {
			log.G(ctx).WithError(err).WithField("id", row.ID).Error("revalidation update failed")
			continue
		}
		promoted++
		log.G(ctx).WithFields(log.Fields{
			"fingerprint": row.FingerprintSHA256[:16],
			"from":        row.ValidationStatus,
			"to":          newStatus,
		}).Info("certificate revalidated")
	}

	swept, err := r.certs.ExpireSweep(ctx, r.clock.Now())
	if err != nil {
		return err
	}
	if promoted > 0 || swept > 0 {
		log.G(ctx).WithFields(log.Fields{
			"promoted":  promoted,
			"unchanged": unchanged,
			"expired":   swept,
		}).Info("revalidation pass done")
	}
	return nil
}

// allowedTransition limits what a re-run may do to a stored verdict.
// PENDING may resolve any way; INVALID may only be upgraded when a newly
// arrived key actually verifies the chain.
func allowedTransition(from, to trust.Status) bool {
	switch from {
	case trust.StatusPending:
		return to != trust.StatusError
	case trust.StatusInvalid:
		return to == trust.StatusValid || to == trust.StatusExpiredValid
	}
	return false
}
