package financial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
		ok    bool
	}{
		{"integer", "1234", 1234, true},
		{"thousands separators", "1,234,567", 1234567, true},
		{"two decimals", "45.67", 45.67, true},
		{"currency glyph", "$1,000.50", 1000.50, true},
		{"paren negative", "(250)", -250, true},
		{"paren negative currency", "($1,500.00)", -1500, true},
		{"percent", "12.5%", 0.125, true},
		{"negative percent", "-5%", -0.05, true},
		{"empty", "", 0, false},
		{"whitespace", "   ", 0, false},
		{"prose", "n/a", 0, false},
		{"double dash", "--", 0, false},
		{"bare sign", "-", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseNumeric(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	values := []float64{0, 1, -1, 1234, -250, 45.67, -1500}
	for _, v := range values {
		parsed, ok := ParseNumeric(FormatNumeric(v))
		assert.True(t, ok)
		assert.InDelta(t, v, parsed, 1e-9)
	}
}

func TestValidateConsistentTotals(t *testing.T) {
	table := Table{
		Headers: []string{"Item", "Q1", "Q2"},
		Rows: [][]string{
			{"Revenue", "1000", "1200"},
			{"Fees", "200", "100"},
			{"Total", "1200", "1300"},
		},
	}
	result := Validate(table)

	assert.True(t, result.IsValid())
	assert.False(t, result.RequiresReview())
	assert.GreaterOrEqual(t, result.Confidence, 0.65)
}

func TestValidateBrokenTotals(t *testing.T) {
	table := Table{
		Headers: []string{"Item", "Q1"},
		Rows: [][]string{
			{"Revenue", "1000"},
			{"Fees", "200"},
			{"Total", "9999"},
		},
	}
	result := Validate(table)

	assert.False(t, result.IsValid())
	assert.True(t, result.RequiresReview())
	assert.NotEmpty(t, result.Issues)
	assert.Equal(t, "error", result.Issues[0].Severity)
	assert.Equal(t, 2, result.Issues[0].Row)
}

func TestValidateGrossProfitRelation(t *testing.T) {
	tests := []struct {
		name  string
		gross string
		valid bool
	}{
		{"consistent", "600", true},
		{"inconsistent", "999", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := Table{
				Headers: []string{"Item", "FY"},
				Rows: [][]string{
					{"Revenue", "1000"},
					{"COGS", "(400)"},
					{"Gross Profit", tt.gross},
				},
			}
			result := Validate(table)
			assert.Equal(t, tt.valid, result.IsValid())
		})
	}
}

func TestValidateNoNumericCells(t *testing.T) {
	table := Table{
		Headers: []string{"Item", "Notes"},
		Rows: [][]string{
			{"Revenue", "pending"},
			{"COGS", "unknown"},
		},
	}
	result := Validate(table)

	assert.InDelta(t, 0.2, result.Confidence, 1e-9)
	assert.True(t, result.RequiresReview())
	require := false
	for _, issue := range result.Issues {
		if issue.Severity == "warning" {
			require = true
		}
	}
	assert.True(t, require, "expected a warning issue")
}

func TestValidateToleranceBounds(t *testing.T) {
	// 2% relative tolerance on totals: 1224 vs 1220 expected passes,
	// 1300 fails.
	table := Table{
		Headers: []string{"Item", "Q1"},
		Rows: [][]string{
			{"Revenue", "1000"},
			{"Fees", "220"},
			{"Total", "1224"},
		},
	}
	assert.True(t, Validate(table).IsValid())

	table.Rows[2][1] = "1300"
	assert.False(t, Validate(table).IsValid())
}
