package daemon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/certificate"
	"github.com/iland112/icao-local-pkd/certificate/trust"
	"github.com/iland112/icao-local-pkd/daemon/events"
	"github.com/iland112/icao-local-pkd/ldif"
	"github.com/iland112/icao-local-pkd/store"
)

// UploadRequest is a new file handed to the daemon.
type UploadRequest struct {
	FileName string
	Format   string // LDIF, ML, DL, CERT, CRL; "" means sniff
	Mode     string // AUTO or MANUAL
	Data     []byte
}

// Upload ingests one file. In AUTO mode the full parse→validate→persist
// pipeline runs before returning; in MANUAL mode the upload stops at
// PENDING with entries staged to disk, waiting for ProcessPending.
//
// Byte-identical re-uploads are rejected with an already-exists error that
// names the original upload id.
func (d *Daemon) Upload(ctx context.Context, req UploadRequest) (*store.Upload, error) {
	if len(req.Data) == 0 {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "empty upload")
	}
	if limit := int64(d.cfg.MaxBodySizeMB) * 1024 * 1024; int64(len(req.Data)) > limit {
		return nil, errors.Wrapf(cerrdefs.ErrInvalidArgument, "upload exceeds %dMB limit", d.cfg.MaxBodySizeMB)
	}
	mode := req.Mode
	if mode == "" {
		mode = store.ModeAuto
	}
	format := req.Format
	if format == "" {
		format = sniffFormat(req.FileName, req.Data)
	}

	sum := sha256.Sum256(req.Data)
	u := &store.Upload{
		FileName:       req.FileName,
		FileHashSHA256: hex.EncodeToString(sum[:]),
		FileFormat:     format,
		FileSize:       int64(len(req.Data)),
		Status:         store.UploadStatusUploaded,
		ProcessingMode: mode,
	}
	if err := d.uploads.Create(ctx, u); err != nil {
		return nil, err // already-exists carries the original id
	}

	// in-flight gate: a client retry must not spawn a second pipeline
	d.inflight.Lock(u.ID)
	defer d.inflight.Unlock(u.ID)

	pctx, release := d.watchCancel(ctx, u.ID)
	defer release()

	d.progress.SetStage(u.ID, events.StageUploaded)

	if err := d.process(pctx, u, req.Data); err != nil {
		if isCancelled(err) && ctx.Err() == nil {
			d.rollbackCancelled(ctx, u.ID)
			return u, errors.Wrapf(context.Canceled, "upload %s cancelled", u.ID)
		}
		d.progress.Fail(u.ID, err.Error())
		_ = d.uploads.SetStatus(ctx, u.ID, store.UploadStatusFailed, err.Error())
		d.progress.Retire(u.ID)
		return u, err
	}
	return d.uploads.FindByID(ctx, u.ID)
}

// process drives UPLOADED → PARSING → (PENDING | VALIDATING → COMPLETED).
func (d *Daemon) process(ctx context.Context, u *store.Upload, data []byte) error {
	logger := log.G(ctx).WithFields(log.Fields{
		"upload": u.ID,
		"file":   u.FileName,
		"format": u.FileFormat,
		"mode":   u.ProcessingMode,
	})
	logger.Info("upload accepted")

	_ = d.uploads.SetStatus(ctx, u.ID, store.UploadStatusParsing, "")
	d.progress.SetStage(u.ID, events.StageParsing)

	switch u.FileFormat {
	case store.FormatLDIF:
		entries, err := parseLDIFEntries(data)
		if err != nil {
			return err
		}
		d.progress.SetTotal(u.ID, len(entries))
		u.TotalEntries = len(entries)
		if err := d.staging.stageLDIF(u.ID, entries); err != nil {
			return err
		}
	case store.FormatML, store.FormatDL:
		if err := d.staging.stageML(u.ID, data); err != nil {
			return err
		}
		d.progress.SetTotal(u.ID, 1)
		u.TotalEntries = 1
	case store.FormatCert, store.FormatCRL:
		if err := d.staging.stageLDIF(u.ID, []stagedEntry{rawEntry(u.FileFormat, data)}); err != nil {
			return err
		}
		d.progress.SetTotal(u.ID, 1)
		u.TotalEntries = 1
	default:
		return errors.Wrapf(cerrdefs.ErrInvalidArgument, "unsupported format %q", u.FileFormat)
	}
	_ = d.uploads.UpdateCounters(ctx, u)
	_ = d.uploads.SetStatus(ctx, u.ID, store.UploadStatusPending, "")

	if u.ProcessingMode == store.ModeManual {
		logger.Info("upload parsed, waiting for manual processing")
		return nil
	}
	return d.validateStaged(ctx, u)
}

// ProcessPending runs phase 2 of a MANUAL upload: pick the staged artifact
// back up and validate→persist it.
func (d *Daemon) ProcessPending(ctx context.Context, uploadID string) (*store.Upload, error) {
	d.inflight.Lock(uploadID)
	defer d.inflight.Unlock(uploadID)

	u, err := d.uploads.FindByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if u.Status != store.UploadStatusPending {
		return nil, errors.Wrapf(cerrdefs.ErrConflict, "upload %s is %s, not PENDING", uploadID, u.Status)
	}

	pctx, release := d.watchCancel(ctx, uploadID)
	defer release()

	if err := d.validateStaged(pctx, u); err != nil {
		if isCancelled(err) && ctx.Err() == nil {
			d.rollbackCancelled(ctx, uploadID)
			return nil, errors.Wrapf(context.Canceled, "upload %s cancelled", uploadID)
		}
		d.progress.Fail(u.ID, err.Error())
		_ = d.uploads.SetStatus(ctx, u.ID, store.UploadStatusFailed, err.Error())
		d.progress.Retire(u.ID)
		return nil, err
	}
	return d.uploads.FindByID(ctx, uploadID)
}

// validateStaged drives PENDING → VALIDATING → COMPLETED over the staged
// artifact. Entries are processed in file order.
func (d *Daemon) validateStaged(ctx context.Context, u *store.Upload) error {
	_ = d.uploads.SetStatus(ctx, u.ID, store.UploadStatusValidating, "")
	d.progress.SetStage(u.ID, events.StageValidationInProgress)
	c := newCounters()

	switch u.FileFormat {
	case store.FormatML:
		raw, err := d.staging.loadML(u.ID)
		if err != nil {
			return err
		}
		if err := d.pipe.processMasterList(ctx, u.ID, raw, c); err != nil {
			return err
		}
	case store.FormatDL:
		raw, err := d.staging.loadML(u.ID)
		if err != nil {
			return err
		}
		if err := d.pipe.processDeviationList(ctx, u.ID, raw); err != nil {
			return err
		}
	default:
		entries, err := d.staging.loadLDIF(u.ID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, der := range entry.Certs {
				cert, err := certificate.ParseOne(der)
				if err != nil {
					log.G(ctx).WithError(err).Debug("skipping unparsable certificate entry")
					c.errs++
					continue
				}
				d.pipe.processCert(ctx, u.ID, cert, entry.DN, c)
			}
			for _, der := range entry.CRLs {
				d.pipe.processCRL(ctx, u.ID, der, c)
			}
			if len(entry.MLBlob) > 0 {
				if err := d.pipe.processMasterList(ctx, u.ID, entry.MLBlob, c); err != nil {
					log.G(ctx).WithError(err).Warn("embedded master list failed")
					c.errs++
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	d.progress.SetStage(u.ID, events.StageValidationCompleted)

	d.progress.SetStage(u.ID, events.StageDBSaving)
	d.applyCounters(u, c)
	if err := d.uploads.UpdateCounters(ctx, u); err != nil {
		return err
	}

	d.progress.SetStage(u.ID, events.StageLDAPSaving)
	d.pipe.flushDirectory(ctx, c)
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = d.uploads.SetStatus(ctx, u.ID, store.UploadStatusCompleted, "")
	d.progress.SetStage(u.ID, events.StageCompleted)
	d.staging.cleanup(u.ID)
	d.progress.Retire(u.ID)
	uploadsProcessed.Inc()

	// freshly arrived CSCAs may unblock PENDING chains
	d.revalidator.Kick()

	log.G(ctx).WithFields(log.Fields{
		"upload": u.ID,
		"certs":  c.byType,
		"status": c.byStatus,
		"dups":   c.dups,
		"errors": c.errs,
	}).Info("upload completed")
	return nil
}

func (d *Daemon) applyCounters(u *store.Upload, c *counters) {
	u.ProcessedEntries = d.progress.Snapshot(u.ID).ProcessedEntries
	u.CSCACount = c.byType[certificate.TypeCSCA]
	u.DSCCount = c.byType[certificate.TypeDSC]
	u.DSCNCCount = c.byType[certificate.TypeDSCNC]
	u.MLSCCount = c.byType[certificate.TypeMLSC]
	u.CRLCount = c.crls
	u.ValidCount = c.byStatus[trust.StatusValid]
	u.ExpiredValid = c.byStatus[trust.StatusExpiredValid]
	u.InvalidCount = c.byStatus[trust.StatusInvalid]
	u.PendingCount = c.byStatus[trust.StatusPending]
	u.ErrorCount = c.byStatus[trust.StatusError] + c.errs
	u.DuplicateCount = c.dups
}

// DeleteUpload removes an upload, its staged files and its validation
// results. A pipeline still running for the upload is cancelled first and
// rolls itself back before the inflight lock is released to us.
// Idempotent: deleting an already-deleted id is a no-op.
func (d *Daemon) DeleteUpload(ctx context.Context, uploadID string) error {
	d.cancelInflight(uploadID)
	d.inflight.Lock(uploadID)
	defer d.inflight.Unlock(uploadID)

	if _, err := d.uploads.FindByID(ctx, uploadID); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	d.staging.cleanup(uploadID)
	d.progress.Forget(uploadID)
	if err := d.uploads.Delete(ctx, uploadID); err != nil {
		return err
	}
	log.G(ctx).WithField("upload", uploadID).Info("upload deleted")
	return nil
}

// parseLDIFEntries streams the LDIF once, collecting the binary payloads
// per entry. Entries with no certificate or CRL material are dropped.
func parseLDIFEntries(data []byte) ([]stagedEntry, error) {
	r := ldif.NewReader(bytes.NewReader(data))
	var out []stagedEntry
	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, err.Error())
		}

		se := stagedEntry{DN: entry.DN}
		se.Certs = append(se.Certs, entry.Get("userCertificate")...)
		se.CRLs = append(se.CRLs, entry.Get("certificateRevocationList")...)
		if ml := entry.First("pkdMasterListContent"); len(ml) > 0 {
			se.MLBlob = ml
		}
		if len(se.Certs) > 0 || len(se.CRLs) > 0 || len(se.MLBlob) > 0 {
			out = append(out, se)
		}
	}
	if len(out) == 0 {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "LDIF contains no certificate material")
	}
	return out, nil
}

func rawEntry(format string, data []byte) stagedEntry {
	der := certificate.PEMToDER(data)
	if format == store.FormatCRL {
		return stagedEntry{CRLs: [][]byte{der}}
	}
	return stagedEntry{Certs: [][]byte{der}}
}

// sniffFormat guesses the upload format from the file name and leading
// bytes when the caller does not say.
func sniffFormat(name string, data []byte) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".ldif"):
		return store.FormatLDIF
	case strings.HasSuffix(lower, ".ml") || strings.HasSuffix(lower, ".mls"):
		return store.FormatML
	case strings.HasSuffix(lower, ".dl"):
		return store.FormatDL
	case strings.HasSuffix(lower, ".crl"):
		return store.FormatCRL
	}
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	if bytes.HasPrefix(data, []byte("dn:")) || bytes.Contains(head, []byte("\ndn:")) {
		return store.FormatLDIF
	}
	if bytes.Contains(data, []byte("X509 CRL")) {
		return store.FormatCRL
	}
	return store.FormatCert
}
