package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	name   string
	tables []Candidate
	err    error
}

func (e *stubEngine) Name() string { return e.name }

func (e *stubEngine) ExtractTables(ctx context.Context, documentPath string) ([]Candidate, error) {
	return e.tables, e.err
}

func denseTable(page int) Candidate {
	return Candidate{
		Page:    page,
		Headers: []string{"Description", "Amount", "Total"},
		Rows: [][]string{
			{"Revenue", "1,000", "1,000"},
			{"Fees", "200", "200"},
			{"Total", "1,200", "1,200"},
		},
	}
}

func sparseTable(page int) Candidate {
	return Candidate{
		Page:    page,
		Headers: []string{"", ""},
		Rows: [][]string{
			{"", ""},
			{"x", ""},
		},
	}
}

func TestConsensusSelectsBestCandidatePerPage(t *testing.T) {
	c := NewConsensus(
		&stubEngine{name: "alpha", tables: []Candidate{sparseTable(1)}},
		&stubEngine{name: "beta", tables: []Candidate{denseTable(1)}},
	)

	results, err := c.Extract(context.Background(), "/tmp/doc.pdf")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "beta", results[0].Engine)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, results[0].EnginesTried)
	assert.InDelta(t, 0.5, results[0].Agreement, 1e-9)
}

func TestConsensusFailedEngineIsSkipped(t *testing.T) {
	c := NewConsensus(
		&stubEngine{name: "broken", err: errors.New("no binary")},
		&stubEngine{name: "working", tables: []Candidate{denseTable(2)}},
	)

	results, err := c.Extract(context.Background(), "/tmp/doc.pdf")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "working", results[0].Engine)
	assert.Equal(t, 2, results[0].Page)
	assert.InDelta(t, 1.0, results[0].Agreement, 1e-9)
}

func TestConsensusNoEnginesYieldsNothing(t *testing.T) {
	c := NewConsensus()
	results, err := c.Extract(context.Background(), "/tmp/doc.pdf")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConsensusResultsOrderedByPage(t *testing.T) {
	c := NewConsensus(
		&stubEngine{name: "alpha", tables: []Candidate{denseTable(3), denseTable(1), denseTable(2)}},
	)
	results, err := c.Extract(context.Background(), "/tmp/doc.pdf")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{results[0].Page, results[1].Page, results[2].Page})
}

func TestScoreCandidatePrefersDenseNumericTables(t *testing.T) {
	assert.Greater(t, ScoreCandidate(denseTable(1)), ScoreCandidate(sparseTable(1)))
	assert.Zero(t, ScoreCandidate(Candidate{}))
}

func TestNormalizeHeaders(t *testing.T) {
	headers := normalizeHeaders([]string{"  Total   Amount ", "DESCRIPTION", "Period Ending", "Pct %"})
	assert.Equal(t, []string{"amount", "description", "date", "percentage"}, headers)
}
