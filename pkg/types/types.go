package types

import (
	"encoding/json"
	"time"
)

// Document represents an ingested PDF tracked through the processing
// lifecycle.
type Document struct {
	ID               string
	ObjectKey        string // unique key in the object store
	Filename         string
	ContentType      string
	SizeBytes        int64
	SHA256Raw        string
	SHA256Canonical  string
	Status           DocumentStatus
	ErrorMessage     string
	CancelRequested  bool
	DeletionManifest *DeletionManifest
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DocumentStatus represents the processing state of a document
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
	DocumentRetrying   DocumentStatus = "retrying"
	DocumentCancelled  DocumentStatus = "cancelled"
)

// Startable reports whether a processing run may begin from this status.
func (s DocumentStatus) Startable() bool {
	switch s {
	case DocumentUploaded, DocumentRetrying, DocumentFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends the document lifecycle for a run.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case DocumentCompleted, DocumentFailed, DocumentCancelled:
		return true
	}
	return false
}

// Page is a rendered page preview belonging to a document. Immutable after
// the rendering stage.
type Page struct {
	ID         int64
	DocumentID string
	PageNumber int // 1-based
	PreviewKey string
	Width      int
	Height     int
	CreatedAt  time.Time
}

// ArtifactKind classifies extractor output
type ArtifactKind string

const (
	ArtifactTable  ArtifactKind = "table"
	ArtifactOCR    ArtifactKind = "ocr"
	ArtifactFigure ArtifactKind = "figure"
)

// ArtifactStatus tracks the review state of an artifact
type ArtifactStatus string

const (
	ArtifactPending  ArtifactStatus = "pending"
	ArtifactReviewed ArtifactStatus = "reviewed"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactRejected ArtifactStatus = "rejected"
)

// Valid reports whether the status is a known review state.
func (s ArtifactStatus) Valid() bool {
	switch s {
	case ArtifactPending, ArtifactReviewed, ArtifactApproved, ArtifactRejected:
		return true
	}
	return false
}

// Artifact is an extractor product attached to a document page.
type Artifact struct {
	ID         string
	DocumentID string
	Kind       ArtifactKind
	PageNumber int
	Engine     string
	Payload    ArtifactPayload
	Status     ArtifactStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ArtifactPayload is the tagged union of extractor outputs. Exactly one of
// Table, OCR, or Figure is set according to the artifact kind; Extra carries
// forward-compatible fields this version does not model.
type ArtifactPayload struct {
	Table  *TablePayload              `json:"table,omitempty"`
	OCR    *OCRPayload                `json:"ocr,omitempty"`
	Figure *FigurePayload             `json:"figure,omitempty"`
	Extra  map[string]json.RawMessage `json:"extra,omitempty"`
}

// TablePayload holds an extracted table plus detection/validation results.
type TablePayload struct {
	Headers        []string   `json:"headers"`
	Rows           [][]string `json:"rows"`
	Score          float64    `json:"score"`
	Confidence     string     `json:"confidence"`
	Agreement      float64    `json:"agreement,omitempty"`
	RequiresReview bool       `json:"requires_review"`
}

// OCRPayload holds recognized cells for a page.
type OCRPayload struct {
	Provider string    `json:"provider"`
	Cells    []OCRCell `json:"cells"`
}

// OCRCell is a single recognized table cell.
type OCRCell struct {
	Page         int     `json:"page"`
	Row          int     `json:"row"`
	Column       int     `json:"column"`
	Text         string  `json:"text"`
	IsNumeric    bool    `json:"is_numeric"`
	NumericValue float64 `json:"numeric_value,omitempty"`
}

// FigurePayload describes a detected figure region.
type FigurePayload struct {
	Caption string `json:"caption,omitempty"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// EventType identifies a processing event kind
type EventType string

const (
	EventDocumentUploaded    EventType = "document_uploaded"
	EventProcessingStarted   EventType = "processing_started"
	EventProcessingCompleted EventType = "processing_completed"
	EventProcessingFailed    EventType = "processing_failed"
	EventProcessingRetrying  EventType = "processing_retrying"
	EventProcessingCancelled EventType = "processing_cancelled"
	EventExtractionCompleted EventType = "extraction_completed"
	EventManualReviewStarted EventType = "manual_review_started"
)

// ProcessingEvent is an append-only audit row scoped to a document.
type ProcessingEvent struct {
	ID         int64
	DocumentID string
	Type       EventType
	Message    string
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// Priority selects the queue a job is dispatched to
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// Valid reports whether the priority names a dispatchable queue.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityDefault, PriorityLow:
		return true
	}
	return false
}

// JobEnvelope is the serialized payload describing one unit of work on a
// priority queue.
type JobEnvelope struct {
	JobID         string    `json:"job_id"`
	DocumentID    string    `json:"document_id"`
	Priority      Priority  `json:"priority"`
	UserID        string    `json:"user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
	WorkerVersion string    `json:"version"`
	P95HintMS     int       `json:"p95_hint_ms,omitempty"`
	ContentHashes []string  `json:"content_hashes,omitempty"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	DLQName       string    `json:"dlq_queue"`
	FailedReason  string    `json:"failed_reason,omitempty"`
}

// JobState is the progress state advertised to subscribers
type JobState string

const (
	JobQueued     JobState = "queued"
	JobStarting   JobState = "starting"
	JobProcessing JobState = "processing"
	JobRetrying   JobState = "retrying"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether the state ends a job run. Terminal snapshots are
// never overwritten by non-terminal ones.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ProgressSnapshot is the wire format published on the progress channel and
// persisted per job.
type ProgressSnapshot struct {
	JobID      string    `json:"job_id"`
	State      JobState  `json:"state"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Duration   *float64  `json:"duration,omitempty"` // seconds, terminal states only
	Priority   Priority  `json:"priority,omitempty"`
	DocumentID string    `json:"document_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AuditEvent is an append-only operational audit row, deduplicated on the
// idempotency key.
type AuditEvent struct {
	ID             string
	JobID          string
	Type           string
	UserID         string
	IP             string
	TraceID        string
	IdempotencyKey string
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

// CostStatus tracks the settlement state of a cost record
type CostStatus string

const (
	CostPending   CostStatus = "PENDING"
	CostCompleted CostStatus = "COMPLETED"
	CostFailed    CostStatus = "FAILED"
)

// CostRecord is one billable OCR charge.
type CostRecord struct {
	ID          string
	JobID       string
	DocumentID  string
	UserID      string
	Provider    string
	Pages       int
	CostCents   int
	Status      CostStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ManifestStatus tracks deletion progress
type ManifestStatus string

const (
	ManifestPending   ManifestStatus = "PENDING"
	ManifestDeleting  ManifestStatus = "DELETING"
	ManifestCompleted ManifestStatus = "COMPLETED"
	ManifestFailed    ManifestStatus = "FAILED"
)

// ArtifactRef names one object-store artifact scheduled for deletion.
type ArtifactRef struct {
	Type   string `json:"type"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// DeletionManifest is embedded in the document row while a right-to-erasure
// request drains.
type DeletionManifest struct {
	DocumentID  string         `json:"document_id"`
	UserID      string         `json:"user_id,omitempty"`
	Artifacts   []ArtifactRef  `json:"artifacts"`
	Status      ManifestStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	LastAttempt *time.Time     `json:"last_attempt,omitempty"`
}
