// Package financial scores table candidates for financial-schedule
// likelihood and validates their numeric consistency.
package financial

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var keywordMarkers = []string{
	"revenue", "sales", "ebitda", "cogs", "cost of goods", "gross profit",
	"operating income", "operating loss", "net income", "net loss",
	"assets", "liabilities", "equity", "cash",
}

var totalRowMarkers = []string{"total", "subtotal", "net income", "net loss", "balance"}

var periodPatterns = []*regexp.Regexp{
	regexp.MustCompile(`q[1-4]`),
	regexp.MustCompile(`quarter`),
	regexp.MustCompile(`fy\s*20\d{2}`),
	regexp.MustCompile(`ytd`),
	regexp.MustCompile(`year\s*ended`),
	regexp.MustCompile(`\d{4}\s*-\s*\d{4}`),
}

var currencySigns = []string{"$", "€", "£", "¥"}

// Score bands
const (
	HighThreshold = 0.5
	LowThreshold  = 0.3
)

// Table is the structured candidate the detector and validator consume.
type Table struct {
	Headers []string
	Rows    [][]string
}

// DetectionResult is the composite detector output.
type DetectionResult struct {
	Score       float64            `json:"score"`
	Features    map[string]float64 `json:"features"`
	KeywordHits []string           `json:"keyword_hits"`
	IsFinancial bool               `json:"is_financial"`
	Confidence  string             `json:"confidence"` // high | medium | low
}

// Classifier optionally overrides the heuristic score. The feature vector is
// ordered by sorted feature name so models stay stable across runs.
type Classifier interface {
	Score(features []float64) (float64, error)
}

// Detector scores candidates on [0, 1].
type Detector struct {
	classifier Classifier
}

// NewDetector creates a detector; classifier may be nil.
func NewDetector(classifier Classifier) *Detector {
	return &Detector{classifier: classifier}
}

var featureWeights = map[string]float64{
	"column_stability": 0.15,
	"density_gradient": 0.20,
	"indentation":      0.10,
	"periodized":       0.20,
	"totals":           0.15,
	"currency":         0.10,
}

const keywordWeight = 0.10

// Score evaluates a table candidate.
func (d *Detector) Score(table Table) DetectionResult {
	features := extractFeatures(table)
	hits := collectKeywordHits(table)

	score := 0.0
	for name, weight := range featureWeights {
		score += features[name] * weight
	}
	score += keywordWeight * math.Min(1.0, float64(len(hits))/5.0)
	score = clamp01(score)

	if d.classifier != nil {
		names := make([]string, 0, len(features))
		for name := range features {
			names = append(names, name)
		}
		sort.Strings(names)
		vector := make([]float64, 0, len(names))
		for _, name := range names {
			vector = append(vector, features[name])
		}
		if override, err := d.classifier.Score(vector); err == nil {
			score = clamp01(override)
		}
	}

	confidence := "low"
	switch {
	case score >= HighThreshold:
		confidence = "high"
	case score >= LowThreshold:
		confidence = "medium"
	}

	return DetectionResult{
		Score:       score,
		Features:    features,
		KeywordHits: hits,
		IsFinancial: score >= LowThreshold,
		Confidence:  confidence,
	}
}

func extractFeatures(table Table) map[string]float64 {
	headers := normalizeCells(table.Headers)
	rows := make([][]string, len(table.Rows))
	for i, row := range table.Rows {
		rows[i] = normalizeCells(row)
	}

	headerDensity := numericDensity(headers)
	bodyDensity := 0.0
	if len(rows) > 0 {
		sum := 0.0
		for _, row := range rows {
			sum += numericDensity(row)
		}
		bodyDensity = sum / float64(len(rows))
	}
	gradient := bodyDensity - headerDensity
	if gradient < 0 {
		gradient = 0
	}

	return map[string]float64{
		"column_stability": columnStability(headers, rows),
		"density_gradient": gradient,
		"indentation":      indentationScore(rows),
		"periodized":       periodizedScore(headers),
		"totals":           totalRowScore(rows),
		"currency":         currencyScore(table.Rows),
	}
}

func normalizeCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.ToLower(strings.TrimSpace(c))
	}
	return out
}

func numericDensity(row []string) float64 {
	if len(row) == 0 {
		return 0
	}
	numeric := 0
	for _, cell := range row {
		if strings.ContainsAny(cell, "0123456789") {
			numeric++
		}
	}
	return float64(numeric) / float64(len(row))
}

func nonEmpty(row []string) int {
	n := 0
	for _, cell := range row {
		if cell != "" {
			n++
		}
	}
	if n == 0 {
		return len(row)
	}
	return n
}

// columnStability compares header column count against the body's mean and
// variance; stable bodies matching the header width score near 1.
func columnStability(headers []string, rows [][]string) float64 {
	headerCols := nonEmpty(headers)
	if headerCols == 0 || len(rows) == 0 {
		return 0
	}

	var lengths []float64
	for _, row := range rows {
		if len(row) > 0 {
			lengths = append(lengths, float64(nonEmpty(row)))
		}
	}
	if len(lengths) == 0 {
		return 0
	}

	mean := 0.0
	for _, l := range lengths {
		mean += l
	}
	mean /= float64(len(lengths))

	variance := 0.0
	if len(lengths) > 1 {
		for _, l := range lengths {
			variance += (l - mean) * (l - mean)
		}
		variance /= float64(len(lengths))
	}

	h := float64(headerCols)
	stability := 1.0 - math.Min(1.0, math.Abs(mean-h)/h)
	stability *= 1.0 - math.Min(1.0, variance/(h*h))
	return clamp01(stability)
}

func indentationScore(rows [][]string) float64 {
	if len(rows) == 0 {
		return 0
	}
	levels := make(map[int]bool)
	found := false
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		first := row[0]
		indent := len(first) - len(strings.TrimLeft(first, " \t"))
		bullets := strings.Count(first, "·") + strings.Count(first, "-")
		level := indent + bullets
		if level > 4 {
			level = 4
		}
		levels[level] = true
		found = true
	}
	if !found {
		return 0
	}
	return math.Min(1.0, float64(len(levels))/4.0)
}

func periodizedScore(headers []string) float64 {
	if len(headers) == 0 {
		return 0
	}
	matches := 0
	for _, header := range headers {
		for _, pattern := range periodPatterns {
			if pattern.MatchString(header) {
				matches++
				break
			}
		}
	}
	return math.Min(1.0, float64(matches)/float64(len(headers)))
}

// totalRowScore inspects the last up-to-3 rows for total markers.
func totalRowScore(rows [][]string) float64 {
	if len(rows) == 0 {
		return 0
	}
	start := len(rows) - 3
	if start < 0 {
		start = 0
	}
	last := rows[start:]
	hits := 0
	for _, row := range last {
		for _, cell := range row {
			if cell == "" {
				continue
			}
			if containsAny(cell, totalRowMarkers) {
				hits++
				break
			}
		}
	}
	return math.Min(1.0, float64(hits)/float64(len(last)))
}

func currencyScore(rows [][]string) float64 {
	if len(rows) == 0 {
		return 0
	}
	totalCells := 0
	currencyCells := 0
	negativeParens := 0
	for _, row := range rows {
		totalCells += len(row)
		for _, cell := range row {
			if containsAny(cell, currencySigns) {
				currencyCells++
			}
			if strings.Contains(cell, "(") && strings.Contains(cell, ")") && strings.ContainsAny(cell, "0123456789") {
				negativeParens++
			}
		}
	}
	if totalCells == 0 {
		totalCells = 1
	}
	density := float64(currencyCells) / float64(totalCells)
	bonus := math.Min(0.5, float64(negativeParens)/float64(len(rows)))
	return clamp01(density + bonus)
}

func collectKeywordHits(table Table) []string {
	var hits []string
	cells := append([]string{}, table.Headers...)
	for _, row := range table.Rows {
		cells = append(cells, row...)
	}
	for _, cell := range cells {
		normalized := strings.ToLower(strings.TrimSpace(cell))
		for _, keyword := range keywordMarkers {
			if strings.Contains(normalized, keyword) {
				hits = append(hits, keyword)
				break
			}
		}
		if containsAny(cell, currencySigns) {
			hits = append(hits, "currency")
		}
		if strings.Contains(cell, "(") && strings.Contains(cell, ")") {
			hits = append(hits, "parentheses")
		}
	}
	return hits
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
