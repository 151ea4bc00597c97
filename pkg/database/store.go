package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// Store persists the document domain model. All methods run against the
// shared gateway pool; multi-row invariants use scoped transactions.
type Store struct {
	g *Gateway
}

// NewStore creates a Store over the gateway.
func NewStore(g *Gateway) *Store {
	return &Store{g: g}
}

type documentRow struct {
	ID               string         `db:"id"`
	ObjectKey        string         `db:"object_key"`
	Filename         string         `db:"original_filename"`
	ContentType      string         `db:"content_type"`
	SizeBytes        int64          `db:"file_size"`
	SHA256Raw        sql.NullString `db:"sha256_raw"`
	SHA256Canonical  sql.NullString `db:"sha256_canonical"`
	Status           string         `db:"processing_status"`
	ErrorMessage     sql.NullString `db:"error_message"`
	CancelRequested  bool           `db:"cancellation_requested"`
	DeletionManifest []byte         `db:"deletion_manifest"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r documentRow) toDocument() (*types.Document, error) {
	doc := &types.Document{
		ID:              r.ID,
		ObjectKey:       r.ObjectKey,
		Filename:        r.Filename,
		ContentType:     r.ContentType,
		SizeBytes:       r.SizeBytes,
		SHA256Raw:       r.SHA256Raw.String,
		SHA256Canonical: r.SHA256Canonical.String,
		Status:          types.DocumentStatus(r.Status),
		ErrorMessage:    r.ErrorMessage.String,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.DeletionManifest) > 0 {
		var m types.DeletionManifest
		if err := json.Unmarshal(r.DeletionManifest, &m); err != nil {
			return nil, fmt.Errorf("corrupt deletion manifest for document %s: %w", r.ID, err)
		}
		doc.DeletionManifest = &m
	}
	return doc, nil
}

const documentColumns = `id, object_key, original_filename, content_type, file_size,
	sha256_raw, sha256_canonical, processing_status, error_message,
	cancellation_requested, deletion_manifest, created_at, updated_at`

// CreateDocument inserts a new document row. A duplicate object key fails
// with ErrAlreadyExists.
func (s *Store) CreateDocument(ctx context.Context, doc *types.Document) error {
	_, err := s.g.db.ExecContext(ctx, `
		INSERT INTO documents (id, object_key, original_filename, content_type, file_size,
			sha256_raw, sha256_canonical, processing_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NOW(), NOW())`,
		doc.ID, doc.ObjectKey, doc.Filename, doc.ContentType, doc.SizeBytes,
		doc.SHA256Raw, doc.SHA256Canonical, string(doc.Status))
	return classifyDB(err)
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	var row documentRow
	err := s.g.db.GetContext(ctx, &row,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	if err != nil {
		return nil, classifyDB(err)
	}
	return row.toDocument()
}

// GetDocumentByHash finds a document whose raw or canonical content hash
// matches; used by the ingestion dedup gate.
func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (*types.Document, error) {
	var row documentRow
	err := s.g.db.GetContext(ctx, &row,
		`SELECT `+documentColumns+` FROM documents
		 WHERE sha256_raw = $1 OR sha256_canonical = $1
		 ORDER BY created_at LIMIT 1`, hash)
	if err != nil {
		return nil, classifyDB(err)
	}
	return row.toDocument()
}

// UpdateStatus flips the document status and appends the matching processing
// event in the same transaction, so every transition leaves exactly one
// event row.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.DocumentStatus, errorMessage string) error {
	event := eventForStatus(status)
	return s.g.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE documents SET processing_status = $1, error_message = NULLIF($2, ''), updated_at = NOW()
			WHERE id = $3`, string(status), errorMessage, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("document %s", id)
		}
		msg := fmt.Sprintf("status changed to %s", status)
		if errorMessage != "" {
			msg = errorMessage
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO processing_events (document_id, event_type, message, created_at)
			VALUES ($1, $2, $3, NOW())`, id, string(event), msg)
		return err
	})
}

func eventForStatus(status types.DocumentStatus) types.EventType {
	switch status {
	case types.DocumentProcessing:
		return types.EventProcessingStarted
	case types.DocumentCompleted:
		return types.EventProcessingCompleted
	case types.DocumentFailed:
		return types.EventProcessingFailed
	case types.DocumentRetrying:
		return types.EventProcessingRetrying
	case types.DocumentCancelled:
		return types.EventProcessingCancelled
	default:
		return types.EventDocumentUploaded
	}
}

// RequestCancellation marks the document for cooperative cancellation.
func (s *Store) RequestCancellation(ctx context.Context, id string) error {
	res, err := s.g.db.ExecContext(ctx,
		`UPDATE documents SET cancellation_requested = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return classifyDB(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("document %s", id)
	}
	return nil
}

// CancellationRequested reads the cancellation flag.
func (s *Store) CancellationRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.g.db.GetContext(ctx, &requested,
		`SELECT cancellation_requested FROM documents WHERE id = $1`, id)
	if err != nil {
		return false, classifyDB(err)
	}
	return requested, nil
}

// SetDeletionManifest persists the manifest JSON on the document row; nil
// clears it.
func (s *Store) SetDeletionManifest(ctx context.Context, id string, m *types.DeletionManifest) error {
	var payload any
	if m != nil {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal deletion manifest: %w", err)
		}
		payload = data
	}
	res, err := s.g.db.ExecContext(ctx,
		`UPDATE documents SET deletion_manifest = $1, updated_at = NOW() WHERE id = $2`, payload, id)
	if err != nil {
		return classifyDB(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("document %s", id)
	}
	return nil
}

// DocumentsWithManifests lists ids of documents carrying a deletion
// manifest; the sweeper re-drives each of them.
func (s *Store) DocumentsWithManifests(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.g.db.SelectContext(ctx, &ids,
		`SELECT id FROM documents WHERE deletion_manifest IS NOT NULL`)
	if err != nil {
		return nil, classifyDB(err)
	}
	return ids, nil
}

// DeleteDocument removes the document row; pages, events, and artifacts
// cascade at the schema level.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.g.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	return classifyDB(err)
}

// CreatePage inserts a rendered page preview record.
func (s *Store) CreatePage(ctx context.Context, page *types.Page) error {
	err := s.g.db.GetContext(ctx, &page.ID, `
		INSERT INTO pages (document_id, page_number, preview_key, width, height, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id`,
		page.DocumentID, page.PageNumber, page.PreviewKey, page.Width, page.Height)
	return classifyDB(err)
}

// ListPages returns pages for a document ordered by page number.
func (s *Store) ListPages(ctx context.Context, documentID string) ([]types.Page, error) {
	type pageRow struct {
		ID         int64     `db:"id"`
		DocumentID string    `db:"document_id"`
		PageNumber int       `db:"page_number"`
		PreviewKey string    `db:"preview_key"`
		Width      int       `db:"width"`
		Height     int       `db:"height"`
		CreatedAt  time.Time `db:"created_at"`
	}
	var rows []pageRow
	err := s.g.db.SelectContext(ctx, &rows, `
		SELECT id, document_id, page_number, preview_key, width, height, created_at
		FROM pages WHERE document_id = $1 ORDER BY page_number`, documentID)
	if err != nil {
		return nil, classifyDB(err)
	}
	pages := make([]types.Page, 0, len(rows))
	for _, r := range rows {
		pages = append(pages, types.Page(r))
	}
	return pages, nil
}

// CreateArtifact inserts an extractor artifact.
func (s *Store) CreateArtifact(ctx context.Context, a *types.Artifact) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact payload: %w", err)
	}
	_, err = s.g.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, document_id, kind, page_number, engine, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		a.ID, a.DocumentID, string(a.Kind), a.PageNumber, a.Engine, payload, string(a.Status))
	return classifyDB(err)
}

// UpdateArtifactStatus moves an artifact through the review workflow.
func (s *Store) UpdateArtifactStatus(ctx context.Context, id string, status types.ArtifactStatus) error {
	if !status.Valid() {
		return errdefs.InvalidInput("unknown artifact status %q", status)
	}
	res, err := s.g.db.ExecContext(ctx,
		`UPDATE artifacts SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return classifyDB(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("artifact %s", id)
	}
	return nil
}

// ListArtifacts returns artifacts for a document ordered by page.
func (s *Store) ListArtifacts(ctx context.Context, documentID string) ([]types.Artifact, error) {
	type artifactRow struct {
		ID         string    `db:"id"`
		DocumentID string    `db:"document_id"`
		Kind       string    `db:"kind"`
		PageNumber int       `db:"page_number"`
		Engine     string    `db:"engine"`
		Payload    []byte    `db:"payload"`
		Status     string    `db:"status"`
		CreatedAt  time.Time `db:"created_at"`
		UpdatedAt  time.Time `db:"updated_at"`
	}
	var rows []artifactRow
	err := s.g.db.SelectContext(ctx, &rows, `
		SELECT id, document_id, kind, page_number, engine, payload, status, created_at, updated_at
		FROM artifacts WHERE document_id = $1 ORDER BY page_number, created_at`, documentID)
	if err != nil {
		return nil, classifyDB(err)
	}
	artifacts := make([]types.Artifact, 0, len(rows))
	for _, r := range rows {
		a := types.Artifact{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			Kind:       types.ArtifactKind(r.Kind),
			PageNumber: r.PageNumber,
			Engine:     r.Engine,
			Status:     types.ArtifactStatus(r.Status),
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		}
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &a.Payload); err != nil {
				return nil, fmt.Errorf("corrupt payload for artifact %s: %w", r.ID, err)
			}
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// LogEvent appends a processing event outside a status transition.
func (s *Store) LogEvent(ctx context.Context, documentID string, eventType types.EventType, message string, metadata json.RawMessage) error {
	_, err := s.g.db.ExecContext(ctx, `
		INSERT INTO processing_events (document_id, event_type, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		documentID, string(eventType), message, nullableJSON(metadata))
	return classifyDB(err)
}

// ListEvents returns the audit trail for a document, oldest first.
func (s *Store) ListEvents(ctx context.Context, documentID string, limit int) ([]types.ProcessingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	type eventRow struct {
		ID         int64          `db:"id"`
		DocumentID string         `db:"document_id"`
		Type       string         `db:"event_type"`
		Message    sql.NullString `db:"message"`
		Metadata   []byte         `db:"metadata"`
		CreatedAt  time.Time      `db:"created_at"`
	}
	var rows []eventRow
	err := s.g.db.SelectContext(ctx, &rows, `
		SELECT id, document_id, event_type, message, metadata, created_at
		FROM processing_events WHERE document_id = $1
		ORDER BY created_at LIMIT $2`, documentID, limit)
	if err != nil {
		return nil, classifyDB(err)
	}
	events := make([]types.ProcessingEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, types.ProcessingEvent{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			Type:       types.EventType(r.Type),
			Message:    r.Message.String,
			Metadata:   r.Metadata,
			CreatedAt:  r.CreatedAt,
		})
	}
	return events, nil
}

// InsertCostRecord persists a PENDING cost row.
func (s *Store) InsertCostRecord(ctx context.Context, rec *types.CostRecord) error {
	_, err := s.g.db.ExecContext(ctx, `
		INSERT INTO cost_records (id, job_id, document_id, user_id, provider, pages, cost_cents, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, NOW())`,
		rec.ID, rec.JobID, rec.DocumentID, rec.UserID, rec.Provider, rec.Pages, rec.CostCents, string(rec.Status))
	return classifyDB(err)
}

// CompleteCostRecord flips a cost record to COMPLETED or FAILED.
func (s *Store) CompleteCostRecord(ctx context.Context, id string, success bool) error {
	status := types.CostCompleted
	if !success {
		status = types.CostFailed
	}
	res, err := s.g.db.ExecContext(ctx, `
		UPDATE cost_records SET status = $1, completed_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return classifyDB(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("cost record %s", id)
	}
	return nil
}

// StalePendingCosts returns PENDING records created before cutoff.
func (s *Store) StalePendingCosts(ctx context.Context, cutoff time.Time) ([]types.CostRecord, error) {
	type costRow struct {
		ID        string         `db:"id"`
		JobID     string         `db:"job_id"`
		UserID    sql.NullString `db:"user_id"`
		Provider  string         `db:"provider"`
		Pages     int            `db:"pages"`
		CostCents int            `db:"cost_cents"`
		Status    string         `db:"status"`
		CreatedAt time.Time      `db:"created_at"`
	}
	var rows []costRow
	err := s.g.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, user_id, provider, pages, cost_cents, status, created_at
		FROM cost_records WHERE status = 'PENDING' AND created_at < $1`, cutoff)
	if err != nil {
		return nil, classifyDB(err)
	}
	records := make([]types.CostRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, types.CostRecord{
			ID:        r.ID,
			JobID:     r.JobID,
			UserID:    r.UserID.String,
			Provider:  r.Provider,
			Pages:     r.Pages,
			CostCents: r.CostCents,
			Status:    types.CostStatus(r.Status),
			CreatedAt: r.CreatedAt,
		})
	}
	return records, nil
}

// UserCostTotals aggregates completed spend for a user.
func (s *Store) UserCostTotals(ctx context.Context, userID string) (totalCents, totalPages, totalJobs int, err error) {
	row := s.g.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_cents), 0), COALESCE(SUM(pages), 0), COUNT(id)
		FROM cost_records WHERE user_id = $1 AND status = 'COMPLETED'`, userID)
	if scanErr := row.Scan(&totalCents, &totalPages, &totalJobs); scanErr != nil {
		return 0, 0, 0, classifyDB(scanErr)
	}
	return totalCents, totalPages, totalJobs, nil
}

// DeleteCostRecordsByDocument removes all cost rows tied to a document
// (deletion workflow).
func (s *Store) DeleteCostRecordsByDocument(ctx context.Context, documentID string) error {
	_, err := s.g.db.ExecContext(ctx, `DELETE FROM cost_records WHERE document_id = $1`, documentID)
	return classifyDB(err)
}

// InsertAuditBatch writes a batch of audit events in one statement, silently
// ignoring conflicts on the idempotency key.
func (s *Store) InsertAuditBatch(ctx context.Context, events []types.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	type auditRow struct {
		ID             string    `db:"id"`
		JobID          string    `db:"job_id"`
		EventType      string    `db:"event_type"`
		UserID         string    `db:"user_id"`
		IP             string    `db:"ip_address"`
		TraceID        string    `db:"trace_id"`
		IdempotencyKey string    `db:"idempotency_key"`
		Metadata       []byte    `db:"metadata"`
		CreatedAt      time.Time `db:"created_at"`
	}
	rows := make([]auditRow, 0, len(events))
	for _, e := range events {
		rows = append(rows, auditRow{
			ID:             e.ID,
			JobID:          e.JobID,
			EventType:      e.Type,
			UserID:         e.UserID,
			IP:             e.IP,
			TraceID:        e.TraceID,
			IdempotencyKey: e.IdempotencyKey,
			Metadata:       nullableJSON(e.Metadata),
			CreatedAt:      e.CreatedAt,
		})
	}
	_, err := s.g.db.NamedExecContext(ctx, `
		INSERT INTO audit_events (id, job_id, event_type, user_id, ip_address, trace_id, idempotency_key, metadata, created_at)
		VALUES (:id, :job_id, :event_type, NULLIF(:user_id, ''), NULLIF(:ip_address, ''), NULLIF(:trace_id, ''), :idempotency_key, :metadata, :created_at)
		ON CONFLICT (idempotency_key) DO NOTHING`, rows)
	return classifyDB(err)
}

// AuditTrail returns audit events for a job, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	type auditRow struct {
		ID             string         `db:"id"`
		JobID          string         `db:"job_id"`
		EventType      string         `db:"event_type"`
		UserID         sql.NullString `db:"user_id"`
		IP             sql.NullString `db:"ip_address"`
		TraceID        sql.NullString `db:"trace_id"`
		IdempotencyKey string         `db:"idempotency_key"`
		Metadata       []byte         `db:"metadata"`
		CreatedAt      time.Time      `db:"created_at"`
	}
	var rows []auditRow
	err := s.g.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, event_type, user_id, ip_address, trace_id, idempotency_key, metadata, created_at
		FROM audit_events WHERE job_id = $1 ORDER BY created_at LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, classifyDB(err)
	}
	events := make([]types.AuditEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, types.AuditEvent{
			ID:             r.ID,
			JobID:          r.JobID,
			Type:           r.EventType,
			UserID:         r.UserID.String,
			IP:             r.IP.String,
			TraceID:        r.TraceID.String,
			IdempotencyKey: r.IdempotencyKey,
			Metadata:       r.Metadata,
			CreatedAt:      r.CreatedAt,
		})
	}
	return events, nil
}

// IsNotFound reports whether err carries the not-found kind. Convenience for
// callers that fall back on missing rows.
func IsNotFound(err error) bool {
	return errors.Is(err, errdefs.ErrNotFound)
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
