package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Transfer names one file copied between the local filesystem and an object
// store.
type Transfer struct {
	LocalPath  string
	ObjectPath string
}

// Transferer copies batches of files with bounded parallelism.
type Transferer struct {
	storage     ObjectStorage
	concurrency int
}

// NewTransferer creates a transferer running at most concurrency copies at
// once.
func NewTransferer(storage ObjectStorage, concurrency int) *Transferer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Transferer{storage: storage, concurrency: concurrency}
}

// Upload copies every transfer's local file to its object path. All
// transfers are attempted; the returned error combines every failure.
func (t *Transferer) Upload(ctx context.Context, transfers []Transfer) error {
	return t.run(ctx, transfers, func(tr Transfer) error {
		return t.storage.Upload(ctx, tr.LocalPath, tr.ObjectPath)
	})
}

// Download copies every transfer's object to its local path.
func (t *Transferer) Download(ctx context.Context, transfers []Transfer) error {
	return t.run(ctx, transfers, func(tr Transfer) error {
		return t.storage.Download(ctx, tr.ObjectPath, tr.LocalPath)
	})
}

func (t *Transferer) run(ctx context.Context, transfers []Transfer, op func(Transfer) error) error {
	sorted := append([]Transfer(nil), transfers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObjectPath < sorted[j].ObjectPath })

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	sem := semaphore.NewWeighted(int64(t.concurrency))
	for _, tr := range sorted {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(tr Transfer) {
			defer sem.Release(1)
			defer wg.Done()
			if err := op(tr); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(tr)
	}
	wg.Wait()
	return errs
}
