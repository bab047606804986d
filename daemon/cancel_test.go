package daemon

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func newCancelDaemon() *Daemon {
	return &Daemon{cancels: map[string]context.CancelFunc{}}
}

func TestCancelInflightInterruptsPipeline(t *testing.T) {
	d := newCancelDaemon()
	ctx, release := d.watchCancel(context.Background(), "u1")
	defer release()

	assert.NilError(t, ctx.Err())
	d.cancelInflight("u1")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestCancelInflightUnknownUpload(t *testing.T) {
	d := newCancelDaemon()
	d.cancelInflight("never-started") // no-op
}

func TestWatchCancelReleaseUnregisters(t *testing.T) {
	d := newCancelDaemon()
	ctx, release := d.watchCancel(context.Background(), "u1")
	release()

	// the pipeline context dies with its registration
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	d.cancelMu.Lock()
	_, ok := d.cancels["u1"]
	d.cancelMu.Unlock()
	assert.Assert(t, !ok)
}

func TestWatchCancelFollowsParent(t *testing.T) {
	d := newCancelDaemon()
	parent, cancel := context.WithCancel(context.Background())
	ctx, release := d.watchCancel(parent, "u1")
	defer release()

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestIsCancelled(t *testing.T) {
	assert.Assert(t, isCancelled(context.Canceled))
	assert.Assert(t, isCancelled(errors.Wrap(context.Canceled, "pipeline stopped")))
	assert.Assert(t, isCancelled(errors.Wrap(context.Canceled, "upload cancelled")))
	assert.Assert(t, !isCancelled(errors.New("boom")))
	assert.Assert(t, !isCancelled(context.DeadlineExceeded))
}
