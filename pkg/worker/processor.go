package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/audit"
	"github.com/zabrisket/ledgerlift/pkg/database"
	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/extract"
	"github.com/zabrisket/ledgerlift/pkg/financial"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/objectstore"
	"github.com/zabrisket/ledgerlift/pkg/ocr"
	"github.com/zabrisket/ledgerlift/pkg/progress"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// ObjectStore is the object storage capability the processor needs.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	Delete(ctx context.Context, key string) error
}

// DocumentStore is the persistence surface the worker consumes; implemented
// by the database store.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	UpdateStatus(ctx context.Context, id string, status types.DocumentStatus, errorMessage string) error
	CancellationRequested(ctx context.Context, id string) (bool, error)
	RequestCancellation(ctx context.Context, id string) error
	CreatePage(ctx context.Context, page *types.Page) error
	ListPages(ctx context.Context, documentID string) ([]types.Page, error)
	CreateArtifact(ctx context.Context, a *types.Artifact) error
	SetDeletionManifest(ctx context.Context, id string, m *types.DeletionManifest) error
	DocumentsWithManifests(ctx context.Context) ([]string, error)
	DeleteCostRecordsByDocument(ctx context.Context, documentID string) error
	DeleteDocument(ctx context.Context, id string) error
}

// CostLedger is the billing surface the worker consumes.
type CostLedger interface {
	Record(ctx context.Context, jobID, documentID, userID, provider string, pages, perPageCents int) (string, error)
	Complete(ctx context.Context, recordID string, success bool) error
}

// Renderer rasterizes PDF pages for previews and perceptual hashing.
type Renderer interface {
	PageCount(ctx context.Context, pdf []byte) (int, error)
	RenderPage(ctx context.Context, pdf []byte, pageIndex int, scale float64) (image.Image, error)
}

// OCRRunner executes rate-limited OCR extraction; nil disables the OCR step.
type OCRRunner interface {
	ProviderName() string
	ExtractCells(ctx context.Context, documentPath string, timeout time.Duration) ([]types.OCRCell, error)
}

var pdfMagic = []byte("%PDF")

// Config bounds the processing pipeline.
type Config struct {
	ParseTimeout     time.Duration
	MaxFileSizeBytes int64
	CostPerPageCents int
	MaxJobCostCents  int
}

// Processor steps a document through its processing run. Every major step is
// framed by cancellation checkpoints and runs under a named timeout.
type Processor struct {
	store     DocumentStore
	objects   ObjectStore
	ledger    CostLedger
	auditor   *audit.Batcher
	publisher *progress.Publisher
	renderer  Renderer
	consensus *extract.Consensus
	detector  *financial.Detector
	ocrRunner OCRRunner
	timeouts  *TimeoutManager
	cfg       Config
	logger    zerolog.Logger
}

// NewProcessor wires the processing pipeline.
func NewProcessor(
	store DocumentStore,
	objects ObjectStore,
	ledger CostLedger,
	auditor *audit.Batcher,
	publisher *progress.Publisher,
	renderer Renderer,
	consensus *extract.Consensus,
	detector *financial.Detector,
	ocrRunner OCRRunner,
	cfg Config,
) *Processor {
	if cfg.ParseTimeout <= 0 {
		cfg.ParseTimeout = 25 * time.Minute
	}
	return &Processor{
		store:     store,
		objects:   objects,
		ledger:    ledger,
		auditor:   auditor,
		publisher: publisher,
		renderer:  renderer,
		consensus: consensus,
		detector:  detector,
		ocrRunner: ocrRunner,
		timeouts:  NewTimeoutManager(),
		cfg:       cfg,
		logger:    log.WithComponent("worker"),
	}
}

// checkpoint observes cooperative cancellation. Called before and after each
// major step; a requested cancellation flips the document and terminates the
// run with ErrJobCancelled.
func (p *Processor) checkpoint(ctx context.Context, envelope *types.JobEnvelope) error {
	requested, err := p.store.CancellationRequested(ctx, envelope.DocumentID)
	if err != nil {
		if database.IsNotFound(err) {
			return errdefs.Fatal(err)
		}
		return err
	}
	if !requested {
		return nil
	}

	doc, err := p.store.GetDocument(ctx, envelope.DocumentID)
	if err == nil {
		p.applyTransition(ctx, envelope, doc.Status, EventCancelRequest, "cancellation requested")
	}
	return errdefs.ErrJobCancelled
}

// applyTransition runs the pure state machine and executes its effects.
// Reschedule and DLQ effects surface through the returned error kind and are
// executed by the queue layer.
func (p *Processor) applyTransition(ctx context.Context, envelope *types.JobEnvelope, status types.DocumentStatus, event Event, message string) types.DocumentStatus {
	next, effects := Transition(status, event)
	for _, effect := range effects {
		switch effect.Kind {
		case EffectPersistStatus:
			if err := p.store.UpdateStatus(ctx, envelope.DocumentID, effect.Status, message); err != nil {
				p.logger.Error().Err(err).
					Str("document_id", envelope.DocumentID).
					Str("status", string(effect.Status)).
					Msg("Failed to persist status")
			}
		case EffectWriteSnapshot:
			p.snapshot(ctx, envelope, effect.JobState, progressFor(effect.JobState), message)
		case EffectEmitAudit:
			if p.auditor != nil {
				p.auditor.Add(ctx, envelope.JobID, effect.Audit, "", envelope.UserID, "", map[string]any{
					"document_id": envelope.DocumentID,
				})
			}
		}
	}
	return next
}

func progressFor(state types.JobState) float64 {
	switch state {
	case types.JobCompleted:
		return 1.0
	case types.JobProcessing:
		return 0.1
	default:
		return 0.0
	}
}

func (p *Processor) snapshot(ctx context.Context, envelope *types.JobEnvelope, state types.JobState, fraction float64, message string) {
	if p.publisher == nil {
		return
	}
	snap := types.ProgressSnapshot{
		JobID:      envelope.JobID,
		State:      state,
		Progress:   fraction,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		DocumentID: envelope.DocumentID,
		Priority:   envelope.Priority,
	}
	if err := p.publisher.Write(ctx, snap); err != nil {
		p.logger.Warn().Err(err).Str("job_id", envelope.JobID).Msg("Failed to write progress snapshot")
	}
}

// Process runs the full pipeline for one envelope. Returned error kinds
// drive the dispatcher: retriable reschedules, ErrJobCancelled terminates,
// anything else dead-letters.
func (p *Processor) Process(ctx context.Context, envelope *types.JobEnvelope) error {
	logger := log.ForJob(envelope.JobID, envelope.DocumentID)

	p.snapshot(ctx, envelope, types.JobStarting, 0.0, "Job accepted")

	if err := p.checkpoint(ctx, envelope); err != nil {
		return err
	}

	// Acquire: validate the document is startable and flip it to processing.
	doc, err := p.store.GetDocument(ctx, envelope.DocumentID)
	if err != nil {
		if database.IsNotFound(err) {
			return errdefs.Fatal(fmt.Errorf("document %s not found", envelope.DocumentID))
		}
		return err
	}
	if !doc.Status.Startable() {
		return errdefs.Fatal(fmt.Errorf("document %s is not startable from status %s", doc.ID, doc.Status))
	}
	p.applyTransition(ctx, envelope, doc.Status, EventProcess, "Document processing started")

	var costRecordID string
	runErr := p.run(ctx, envelope, doc, &costRecordID, logger)
	if runErr == nil {
		p.finalize(ctx, envelope, costRecordID)
		return nil
	}

	// Failure path: settle the cost record, flip the document, emit audit.
	if costRecordID != "" {
		if err := p.ledger.Complete(ctx, costRecordID, false); err != nil {
			logger.Warn().Err(err).Msg("Failed to mark cost record failed")
		}
	}

	if errors.Is(runErr, errdefs.ErrJobCancelled) {
		return runErr
	}

	if errdefs.IsRetriable(runErr) && envelope.RetryCount < envelope.MaxRetries {
		if err := p.store.UpdateStatus(ctx, envelope.DocumentID, types.DocumentRetrying, runErr.Error()); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist retrying status")
		}
		return runErr
	}

	p.applyTransition(ctx, envelope, types.DocumentProcessing, EventFatal, runErr.Error())
	return runErr
}

// run executes the download/budget/render/extract/ocr steps in a scratch
// directory released on every exit path.
func (p *Processor) run(ctx context.Context, envelope *types.JobEnvelope, doc *types.Document, costRecordID *string, logger zerolog.Logger) error {
	scratch, err := os.MkdirTemp("", "ledgerlift-*")
	if err != nil {
		return errdefs.Transient(fmt.Errorf("failed to create scratch directory: %w", err))
	}
	defer os.RemoveAll(scratch)

	// Download and validate the raw PDF.
	var pdf []byte
	err = p.timeouts.Do(ctx, "download", p.cfg.ParseTimeout, func(stepCtx context.Context) error {
		var getErr error
		pdf, getErr = p.objects.Get(stepCtx, doc.ObjectKey)
		return getErr
	})
	if err != nil {
		return err
	}
	if len(pdf) == 0 {
		return errdefs.Fatal(fmt.Errorf("object %s is empty", doc.ObjectKey))
	}
	if !bytes.HasPrefix(pdf, pdfMagic) {
		return errdefs.Fatal(fmt.Errorf("object %s is not a PDF", doc.ObjectKey))
	}
	if p.cfg.MaxFileSizeBytes > 0 && int64(len(pdf)) > p.cfg.MaxFileSizeBytes {
		return errdefs.Fatal(fmt.Errorf("object %s exceeds maximum size of %d bytes", doc.ObjectKey, p.cfg.MaxFileSizeBytes))
	}
	p.snapshot(ctx, envelope, types.JobProcessing, 0.25, "Document downloaded")

	if err := p.checkpoint(ctx, envelope); err != nil {
		return err
	}

	documentPath := filepath.Join(scratch, "document.pdf")
	if err := os.WriteFile(documentPath, pdf, 0o600); err != nil {
		return errdefs.Transient(fmt.Errorf("failed to write scratch file: %w", err))
	}

	pageCount, err := p.renderer.PageCount(ctx, pdf)
	if err != nil {
		return errdefs.Transient(fmt.Errorf("failed to count pages: %w", err))
	}

	// Budget gate, then the PENDING cost record for billable OCR.
	allowed, estimate := ocr.BudgetAllows(pageCount, p.cfg.MaxJobCostCents, p.cfg.CostPerPageCents)
	if !allowed {
		return fmt.Errorf("%w: estimated %d cents for %d pages", errdefs.ErrBudgetExceeded, estimate, pageCount)
	}
	provider := "none"
	if p.ocrRunner != nil {
		provider = p.ocrRunner.ProviderName()
	}
	recordID, err := p.ledger.Record(ctx, envelope.JobID, doc.ID, envelope.UserID, provider, pageCount, p.cfg.CostPerPageCents)
	if err != nil {
		return err
	}
	*costRecordID = recordID
	p.snapshot(ctx, envelope, types.JobProcessing, 0.4, "Budget approved")

	if err := p.checkpoint(ctx, envelope); err != nil {
		return err
	}

	if err := p.renderPreviews(ctx, envelope, doc, pdf, pageCount); err != nil {
		return err
	}
	p.snapshot(ctx, envelope, types.JobProcessing, 0.6, "Previews rendered")

	if err := p.checkpoint(ctx, envelope); err != nil {
		return err
	}

	tables, err := p.extractTables(ctx, doc, documentPath)
	if err != nil {
		return err
	}
	p.snapshot(ctx, envelope, types.JobProcessing, 0.8, fmt.Sprintf("Extracted %d tables", tables))

	if err := p.checkpoint(ctx, envelope); err != nil {
		return err
	}

	if p.ocrRunner != nil {
		if err := p.runOCR(ctx, doc, documentPath); err != nil {
			return err
		}
		p.snapshot(ctx, envelope, types.JobProcessing, 0.9, "OCR complete")
	}

	if err := p.checkpoint(ctx, envelope); err != nil {
		return err
	}

	logger.Info().Int("pages", pageCount).Int("tables", tables).Msg("Pipeline steps complete")
	return nil
}

// renderPreviews uploads a preview image and page row for every page. A run
// where no preview lands is fatal; a partial set is retriable so the next
// attempt can fill the gaps.
func (p *Processor) renderPreviews(ctx context.Context, envelope *types.JobEnvelope, doc *types.Document, pdf []byte, pageCount int) error {
	uploaded := 0
	var lastErr error

	for i := 0; i < pageCount; i++ {
		err := p.timeouts.Do(ctx, "render-preview", p.cfg.ParseTimeout, func(stepCtx context.Context) error {
			img, err := p.renderer.RenderPage(stepCtx, pdf, i, 2.0)
			if err != nil {
				return fmt.Errorf("failed to render page %d: %w", i+1, err)
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				return fmt.Errorf("failed to encode page %d: %w", i+1, err)
			}
			key := objectstore.PreviewKey(doc.ID, i+1)
			if err := p.objects.Put(stepCtx, key, buf.Bytes(), "image/png", nil); err != nil {
				return fmt.Errorf("failed to upload preview %d: %w", i+1, err)
			}
			bounds := img.Bounds()
			page := &types.Page{
				DocumentID: doc.ID,
				PageNumber: i + 1,
				PreviewKey: key,
				Width:      bounds.Dx(),
				Height:     bounds.Dy(),
			}
			return p.store.CreatePage(stepCtx, page)
		})
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("page", i+1).Str("document_id", doc.ID).Msg("Preview failed")
			continue
		}
		uploaded++
	}

	if pageCount > 0 && uploaded == 0 {
		return errdefs.Fatal(fmt.Errorf("no previews uploaded: %v", lastErr))
	}
	if uploaded < pageCount {
		return errdefs.Transient(fmt.Errorf("uploaded %d of %d previews: %v", uploaded, pageCount, lastErr))
	}
	return nil
}

// extractTables runs consensus extraction and persists detected tables as
// pending artifacts. Returns the number of tables stored.
func (p *Processor) extractTables(ctx context.Context, doc *types.Document, documentPath string) (int, error) {
	if p.consensus == nil {
		return 0, nil
	}

	var results []extract.Result
	err := p.timeouts.Do(ctx, "extract-tables", p.cfg.ParseTimeout, func(stepCtx context.Context) error {
		var exErr error
		results, exErr = p.consensus.Extract(stepCtx, documentPath)
		return exErr
	})
	if err != nil {
		return 0, errdefs.Transient(fmt.Errorf("table extraction failed: %w", err))
	}

	for _, result := range results {
		table := financial.Table{Headers: result.Headers, Rows: result.Rows}
		detection := p.detector.Score(table)
		validation := financial.Validate(table)

		payload := types.ArtifactPayload{
			Table: &types.TablePayload{
				Headers:        result.Headers,
				Rows:           result.Rows,
				Score:          detection.Score,
				Confidence:     detection.Confidence,
				Agreement:      result.Agreement,
				RequiresReview: validation.RequiresReview(),
			},
		}
		artifact := &types.Artifact{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Kind:       types.ArtifactTable,
			PageNumber: result.Page,
			Engine:     result.Engine,
			Payload:    payload,
			Status:     types.ArtifactPending,
		}
		if err := p.store.CreateArtifact(ctx, artifact); err != nil {
			return 0, err
		}
	}
	return len(results), nil
}

// runOCR streams recognized cells into a per-page OCR artifact.
func (p *Processor) runOCR(ctx context.Context, doc *types.Document, documentPath string) error {
	var cells []types.OCRCell
	err := p.timeouts.Do(ctx, "ocr", p.cfg.ParseTimeout, func(stepCtx context.Context) error {
		var ocrErr error
		cells, ocrErr = p.ocrRunner.ExtractCells(stepCtx, documentPath, p.cfg.ParseTimeout)
		return ocrErr
	})
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		return nil
	}

	byPage := make(map[int][]types.OCRCell)
	for _, cell := range cells {
		byPage[cell.Page] = append(byPage[cell.Page], cell)
	}
	for page, pageCells := range byPage {
		artifact := &types.Artifact{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Kind:       types.ArtifactOCR,
			PageNumber: page,
			Engine:     p.ocrRunner.ProviderName(),
			Payload: types.ArtifactPayload{
				OCR: &types.OCRPayload{Provider: p.ocrRunner.ProviderName(), Cells: pageCells},
			},
			Status: types.ArtifactPending,
		}
		if err := p.store.CreateArtifact(ctx, artifact); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) finalize(ctx context.Context, envelope *types.JobEnvelope, costRecordID string) {
	p.applyTransition(ctx, envelope, types.DocumentProcessing, EventSuccess, "Document processing completed")
	if costRecordID != "" {
		if err := p.ledger.Complete(ctx, costRecordID, true); err != nil {
			p.logger.Warn().Err(err).Str("job_id", envelope.JobID).Msg("Failed to complete cost record")
		}
	}
	if p.auditor != nil {
		p.auditor.Add(ctx, envelope.JobID, audit.TypeExported, "", envelope.UserID, "", map[string]any{
			"document_id": envelope.DocumentID,
		})
	}
}
