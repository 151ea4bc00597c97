// Package costs implements the OCR cost ledger and budget gate.
package costs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/database"
	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// ReconcileCutoff is how long a record may stay PENDING before the sweeper
// reports it as stale.
const ReconcileCutoff = 5 * time.Minute

// Ledger records billable OCR work against the configured job ceiling.
type Ledger struct {
	store          *database.Store
	maxJobCents    int
	logger         zerolog.Logger
}

// NewLedger creates a cost ledger. maxJobCents of zero disables the ceiling.
func NewLedger(store *database.Store, maxJobCents int) *Ledger {
	return &Ledger{
		store:       store,
		maxJobCents: maxJobCents,
		logger:      log.WithComponent("costs"),
	}
}

// Estimate returns the projected spend in cents.
func Estimate(pages, perPageCents int) int {
	if pages < 0 || perPageCents < 0 {
		return 0
	}
	return pages * perPageCents
}

// Record inserts a PENDING cost record, rejecting jobs whose estimate
// exceeds the ceiling.
func (l *Ledger) Record(ctx context.Context, jobID, documentID, userID, provider string, pages, perPageCents int) (string, error) {
	estimate := Estimate(pages, perPageCents)
	if l.maxJobCents > 0 && estimate > l.maxJobCents {
		return "", errdefs.ErrBudgetExceeded
	}

	rec := &types.CostRecord{
		ID:         uuid.NewString(),
		JobID:      jobID,
		DocumentID: documentID,
		UserID:     userID,
		Provider:   provider,
		Pages:      pages,
		CostCents:  estimate,
		Status:     types.CostPending,
	}
	if err := l.store.InsertCostRecord(ctx, rec); err != nil {
		return "", err
	}
	l.logger.Debug().
		Str("job_id", jobID).
		Str("provider", provider).
		Int("pages", pages).
		Int("cost_cents", estimate).
		Msg("Cost record created")
	return rec.ID, nil
}

// Complete flips a record to COMPLETED or FAILED with a completion stamp.
func (l *Ledger) Complete(ctx context.Context, recordID string, success bool) error {
	return l.store.CompleteCostRecord(ctx, recordID, success)
}

// Divergence describes one stale PENDING record found by Reconcile.
type Divergence struct {
	RecordID   string  `json:"record_id"`
	JobID      string  `json:"job_id"`
	AgeMinutes float64 `json:"age_minutes"`
}

// Reconcile reports cost records still PENDING past the cutoff. It does not
// flip them; remediation is driven elsewhere.
func (l *Ledger) Reconcile(ctx context.Context) ([]Divergence, error) {
	stale, err := l.store.StalePendingCosts(ctx, time.Now().Add(-ReconcileCutoff))
	if err != nil {
		return nil, err
	}
	divergences := make([]Divergence, 0, len(stale))
	for _, rec := range stale {
		divergences = append(divergences, Divergence{
			RecordID:   rec.ID,
			JobID:      rec.JobID,
			AgeMinutes: time.Since(rec.CreatedAt).Minutes(),
		})
	}
	if len(divergences) > 0 {
		l.logger.Warn().Int("count", len(divergences)).Msg("Stale PENDING cost records found")
	}
	return divergences, nil
}

// UserTotals aggregates completed spend for a user.
type UserTotals struct {
	UserID     string  `json:"user_id"`
	TotalCents int     `json:"total_cost_cents"`
	TotalUSD   float64 `json:"total_cost_dollars"`
	TotalPages int     `json:"total_pages"`
	TotalJobs  int     `json:"total_jobs"`
}

// UserCosts returns aggregate completed spend for a user.
func (l *Ledger) UserCosts(ctx context.Context, userID string) (*UserTotals, error) {
	cents, pages, jobs, err := l.store.UserCostTotals(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserTotals{
		UserID:     userID,
		TotalCents: cents,
		TotalUSD:   float64(cents) / 100.0,
		TotalPages: pages,
		TotalJobs:  jobs,
	}, nil
}
