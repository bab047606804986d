package daemon

import (
	"context"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/iland112/icao-local-pkd/store"
)

// watchCancel derives the pipeline context for one upload and registers its
// cancel func so DeleteUpload can interrupt a running pipeline. The caller
// holds the inflight lock and must call release when the pipeline returns.
func (d *Daemon) watchCancel(ctx context.Context, uploadID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancelMu.Lock()
	d.cancels[uploadID] = cancel
	d.cancelMu.Unlock()
	return ctx, func() {
		d.cancelMu.Lock()
		delete(d.cancels, uploadID)
		d.cancelMu.Unlock()
		cancel()
	}
}

// cancelInflight interrupts the running pipeline of an upload, if any.
func (d *Daemon) cancelInflight(uploadID string) {
	d.cancelMu.Lock()
	cancel, ok := d.cancels[uploadID]
	d.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func isCancelled(err error) bool {
	return cerrdefs.IsCanceled(err) || errors.Is(err, context.Canceled)
}

// rollbackCancelled undoes the partial work of an interrupted upload: rows
// written under its upload id, staged temp files and the progress tracker.
// Duplicate sightings keep the upload id of their first insert, so the
// per-upload deletes touch exactly what this pipeline wrote; child rows go
// via the schema cascades. Runs on a detached context so the cancellation
// that stopped the pipeline cannot also abort the rollback.
func (d *Daemon) rollbackCancelled(ctx context.Context, uploadID string) {
	ctx = context.WithoutCancel(ctx)
	logger := log.G(ctx).WithField("upload", uploadID)

	var rows int64
	for _, del := range []struct {
		name string
		fn   func(context.Context, string) (int64, error)
	}{
		{"certificates", d.pipe.certs.DeleteByUpload},
		{"crls", d.pipe.crls.DeleteByUpload},
		{"master lists", d.pipe.masterLists.DeleteByUpload},
		{"deviation lists", d.pipe.deviations.DeleteByUpload},
	} {
		n, err := del.fn(ctx, uploadID)
		if err != nil {
			logger.WithError(err).Errorf("rollback of %s failed", del.name)
			continue
		}
		rows += n
	}
	d.staging.cleanup(uploadID)
	d.progress.Forget(uploadID)
	_ = d.uploads.SetStatus(ctx, uploadID, store.UploadStatusDeleted, "cancelled")
	logger.WithField("rows", rows).Info("cancelled upload rolled back")
}
