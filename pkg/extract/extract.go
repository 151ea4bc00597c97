// Package extract runs multiple table extraction engines over a document and
// selects the best candidate per page by consensus scoring.
package extract

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/log"
)

// Candidate is one table produced by an extraction engine.
type Candidate struct {
	Page    int
	Headers []string
	Rows    [][]string
	Engine  string
	Score   float64
}

// Result is the winning candidate for a page plus consensus metadata.
type Result struct {
	Candidate
	EnginesTried []string
	Agreement    float64 // winner share of candidates on the page
}

// Engine extracts tables from a document on disk. Engines wrap external
// extractor tooling; unavailable engines return an error and are skipped.
type Engine interface {
	Name() string
	ExtractTables(ctx context.Context, documentPath string) ([]Candidate, error)
}

// Consensus fans a document out to every registered engine and keeps the
// highest-scoring table per page.
type Consensus struct {
	engines []Engine
	logger  zerolog.Logger
}

// NewConsensus creates a consensus extractor over the given engines.
func NewConsensus(engines ...Engine) *Consensus {
	return &Consensus{engines: engines, logger: log.WithComponent("extract")}
}

// Extract runs all engines and selects per-page winners.
func (c *Consensus) Extract(ctx context.Context, documentPath string) ([]Result, error) {
	var candidates []Candidate
	for _, engine := range c.engines {
		tables, err := engine.ExtractTables(ctx, documentPath)
		if err != nil {
			c.logger.Warn().Err(err).Str("engine", engine.Name()).Msg("Extraction engine failed")
			continue
		}
		for _, table := range tables {
			table.Engine = engine.Name()
			table.Score = ScoreCandidate(table)
			candidates = append(candidates, table)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	byPage := make(map[int][]Candidate)
	for _, candidate := range candidates {
		byPage[candidate.Page] = append(byPage[candidate.Page], candidate)
	}

	pages := make([]int, 0, len(byPage))
	for page := range byPage {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	results := make([]Result, 0, len(pages))
	for _, page := range pages {
		group := byPage[page]
		best := group[0]
		for _, candidate := range group[1:] {
			if candidate.Score > best.Score {
				best = candidate
			}
		}

		engines := make(map[string]bool)
		winnerVotes := 0
		for _, candidate := range group {
			engines[candidate.Engine] = true
			if candidate.Engine == best.Engine {
				winnerVotes++
			}
		}
		tried := make([]string, 0, len(engines))
		for name := range engines {
			tried = append(tried, name)
		}
		sort.Strings(tried)

		best.Headers = normalizeHeaders(best.Headers)
		results = append(results, Result{
			Candidate:    best,
			EnginesTried: tried,
			Agreement:    float64(winnerVotes) / float64(len(group)),
		})
	}
	return results, nil
}

var numericCellRe = regexp.MustCompile(`[\d,.$%]+`)

// ScoreCandidate rates a table on grid density, numeric ratio, header
// quality, structural consistency, and size. Higher is better; the scale is
// only meaningful relative to other candidates for the same page.
func ScoreCandidate(table Candidate) float64 {
	cols := len(table.Headers)
	if cols == 0 && len(table.Rows) > 0 {
		cols = len(table.Rows[0])
	}
	if len(table.Rows) == 0 || cols == 0 {
		return 0
	}

	score := 0.0

	totalCells := len(table.Rows) * cols
	nonEmpty := 0
	for _, row := range table.Rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				nonEmpty++
			}
		}
	}
	score += float64(nonEmpty) / float64(totalCells) * 30

	numericCells := 0
	for _, row := range table.Rows {
		for _, cell := range row {
			if numericCellRe.MatchString(cell) {
				numericCells++
			}
		}
	}
	score += float64(numericCells) / float64(totalCells) * 25

	meaningfulHeaders := 0
	for _, header := range table.Headers {
		if len(strings.TrimSpace(header)) > 2 {
			meaningfulHeaders++
		}
	}
	if len(table.Headers) > 0 {
		score += float64(meaningfulHeaders) / float64(len(table.Headers)) * 20
	}

	consistent := 0
	for _, row := range table.Rows {
		if len(row) == cols {
			consistent++
		}
	}
	score += float64(consistent) / float64(len(table.Rows)) * 15

	score += math.Min(10, float64(len(table.Rows))*2)
	return score
}

var headerMappings = []struct{ pattern, standard string }{
	{"amount", "amount"},
	{"value", "amount"},
	{"subtotal", "subtotal"},
	{"total", "total"},
	{"description", "description"},
	{"item", "description"},
	{"date", "date"},
	{"period", "date"},
	{"percentage", "percentage"},
	{"percent", "percentage"},
	{"%", "percentage"},
}

var multiSpaceRe = regexp.MustCompile(`\s+`)

func normalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, header := range headers {
		normalized := multiSpaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(header)), " ")
		for _, mapping := range headerMappings {
			if strings.Contains(normalized, mapping.pattern) {
				normalized = mapping.standard
				break
			}
		}
		out[i] = normalized
	}
	return out
}
