package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/audit"
	"github.com/zabrisket/ledgerlift/pkg/costs"
	"github.com/zabrisket/ledgerlift/pkg/database"
	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// PhashIndex removes a document from the dedup index during erasure.
type PhashIndex interface {
	Unindex(ctx context.Context, documentID string) error
}

// Deleter drives the right-to-erasure workflow: build a manifest of stored
// artifacts, drain it asynchronously, and remove the database rows once the
// object store is clean.
type Deleter struct {
	store   DocumentStore
	objects ObjectStore
	auditor *audit.Batcher
	phash   PhashIndex
	bucket  string
	logger  zerolog.Logger
}

// NewDeleter wires the deletion workflow.
func NewDeleter(store DocumentStore, objects ObjectStore, auditor *audit.Batcher, phash PhashIndex, bucket string) *Deleter {
	return &Deleter{
		store:   store,
		objects: objects,
		auditor: auditor,
		phash:   phash,
		bucket:  bucket,
		logger:  log.WithComponent("deletion"),
	}
}

// Initiate marks a running document for cancellation, persists the deletion
// manifest, and starts draining it in the background.
func (d *Deleter) Initiate(ctx context.Context, documentID, userID string) (*types.DeletionManifest, error) {
	doc, err := d.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if doc.Status == types.DocumentProcessing || doc.Status == types.DocumentUploaded || doc.Status == types.DocumentRetrying {
		if err := d.store.RequestCancellation(ctx, documentID); err != nil {
			d.logger.Warn().Err(err).Str("document_id", documentID).Msg("Failed to request cancellation")
		}
	}

	manifest := &types.DeletionManifest{
		DocumentID: documentID,
		UserID:     userID,
		Status:     types.ManifestPending,
		CreatedAt:  time.Now().UTC(),
	}
	if doc.ObjectKey != "" {
		manifest.Artifacts = append(manifest.Artifacts, types.ArtifactRef{
			Type: "raw", Bucket: d.bucket, Key: doc.ObjectKey,
		})
	}
	pages, err := d.store.ListPages(ctx, documentID)
	if err == nil {
		for _, page := range pages {
			if page.PreviewKey != "" {
				manifest.Artifacts = append(manifest.Artifacts, types.ArtifactRef{
					Type: "preview", Bucket: d.bucket, Key: page.PreviewKey,
				})
			}
		}
	}

	if err := d.store.SetDeletionManifest(ctx, documentID, manifest); err != nil {
		return nil, err
	}
	if d.auditor != nil {
		d.auditor.Add(ctx, documentID, audit.TypeDeletionRequested, "", userID, "", map[string]any{
			"artifacts": len(manifest.Artifacts),
		})
	}

	go d.Execute(context.Background(), documentID)
	return manifest, nil
}

// Execute drains the document's manifest with up to 3 attempts and
// exponential backoff. On full success the cost records and the document row
// are removed; on partial failure the remaining artifacts persist with
// status FAILED and a monotonically advancing last-attempt stamp.
func (d *Deleter) Execute(ctx context.Context, documentID string) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return
			}
		}
		done, err := d.attempt(ctx, documentID)
		if err != nil {
			d.logger.Error().Err(err).
				Str("document_id", documentID).
				Int("attempt", attempt+1).
				Msg("Deletion attempt failed")
			continue
		}
		if done {
			return
		}
	}
}

// attempt runs one pass over the manifest. It returns done=true when there
// is nothing left to do (manifest gone or fully drained).
func (d *Deleter) attempt(ctx context.Context, documentID string) (bool, error) {
	doc, err := d.store.GetDocument(ctx, documentID)
	if err != nil {
		if database.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	manifest := doc.DeletionManifest
	if manifest == nil {
		return true, nil
	}

	manifest.Status = types.ManifestDeleting
	var failed []types.ArtifactRef
	for _, ref := range manifest.Artifacts {
		if err := d.objects.Delete(ctx, ref.Key); err != nil {
			d.logger.Error().Err(err).Str("key", ref.Key).Msg("Failed to delete artifact")
			failed = append(failed, ref)
		}
	}

	if len(failed) == 0 {
		if d.phash != nil {
			if err := d.phash.Unindex(ctx, documentID); err != nil {
				d.logger.Warn().Err(err).Str("document_id", documentID).Msg("Failed to unindex phashes")
			}
		}
		if err := d.store.DeleteCostRecordsByDocument(ctx, documentID); err != nil {
			return false, err
		}
		if err := d.store.DeleteDocument(ctx, documentID); err != nil {
			return false, err
		}
		if d.auditor != nil {
			d.auditor.Add(ctx, documentID, audit.TypeDeletionCompleted, "", manifest.UserID, "", map[string]any{
				"artifacts_deleted": len(manifest.Artifacts),
			})
		}
		metrics.DeletionsCompletedTotal.Inc()
		d.logger.Info().Str("document_id", documentID).Msg("Document erased")
		return true, nil
	}

	now := time.Now().UTC()
	manifest.Artifacts = failed
	manifest.Status = types.ManifestFailed
	manifest.LastAttempt = &now
	if err := d.store.SetDeletionManifest(ctx, documentID, manifest); err != nil {
		return false, err
	}
	return false, errdefs.Transient(errPartialDeletion(len(failed)))
}

type errPartialDeletion int

func (e errPartialDeletion) Error() string {
	return "deletion left artifacts behind"
}

// Reconciler reports stale cost records during sweeps.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]costs.Divergence, error)
}

// Sweeper periodically re-drives pending deletions and reports stale cost
// records.
type Sweeper struct {
	deleter  *Deleter
	store    DocumentStore
	ledger   Reconciler
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a sweeper with the given cadence.
func NewSweeper(deleter *Deleter, store DocumentStore, ledger Reconciler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		deleter:  deleter,
		store:    store,
		ledger:   ledger,
		interval: interval,
		logger:   log.WithComponent("sweeper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop stops the sweep loop and waits for the current cycle.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Sweeper started")
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			s.logger.Info().Msg("Sweeper stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one cycle: re-drive every document with a manifest and report
// stale PENDING cost records.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.DeletionSweepsTotal.Inc()

	ids, err := s.store.DocumentsWithManifests(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list pending deletions")
	} else {
		for _, id := range ids {
			s.deleter.Execute(ctx, id)
		}
	}

	if s.ledger != nil {
		divergences, err := s.ledger.Reconcile(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Cost reconcile failed")
		} else if len(divergences) > 0 {
			s.logger.Warn().Int("stale", len(divergences)).Msg("Cost reconcile found stale records")
		}
	}
}
