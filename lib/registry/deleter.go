package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/gammazero/workerpool"

	"github.com/hangarproj/hangar/lib/store"
)

// blobDeleter removes backend blobs after their metadata record is deleted.
// Removal runs on a small worker pool so delete requests return as soon as
// the metadata write commits; transient backend failures are retried with
// backoff and a blob that still cannot be removed is logged and dropped,
// never reported to the original caller.
type blobDeleter struct {
	stores *store.Registry
	pool   *workerpool.WorkerPool
	log    *slog.Logger
}

const deleteWorkers = 4

func newBlobDeleter(stores *store.Registry, log *slog.Logger) *blobDeleter {
	return &blobDeleter{
		stores: stores,
		pool:   workerpool.New(deleteWorkers),
		log:    log,
	}
}

func (d *blobDeleter) schedule(location string) {
	d.pool.Submit(func() {
		d.remove(location)
	})
}

func (d *blobDeleter) remove(location string) {
	backend, err := d.stores.ForLocation(location)
	if err != nil {
		d.log.Error("cannot resolve backend for blob cleanup", "location", location, "error", err)
		return
	}

	r := retrier.New(retrier.ExponentialBackoff(5, 200*time.Millisecond), backendClassifier{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err = r.Run(func() error {
		return backend.Delete(ctx, location)
	})
	switch {
	case err == nil:
		d.log.Info("blob removed", "location", location)
	case store.IsRetryable(err):
		d.log.Error("blob cleanup gave up, backend unreachable", "location", location, "error", err)
	default:
		// Missing blob or read-only backend: nothing left to clean up.
		d.log.Warn("blob cleanup skipped", "location", location, "reason", err)
	}
}

// close waits for queued removals to finish.
func (d *blobDeleter) close() {
	d.pool.StopWait()
}

// backendClassifier retries only failures the backend marked retryable.
type backendClassifier struct{}

func (backendClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	if store.IsRetryable(err) {
		return retrier.Retry
	}
	return retrier.Fail
}
