package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
)

func TestSelectProviderRules(t *testing.T) {
	tests := []struct {
		name     string
		traits   Traits
		metadata map[string]any
		provider string
		reason   string
	}{
		{
			name:     "preferred provider wins",
			traits:   Traits{RasterRatio: 0.9},
			metadata: map[string]any{"preferred_provider": "tesseract"},
			provider: ProviderTesseract,
			reason:   "preferred-provider",
		},
		{
			name:     "cost sensitive routes local",
			traits:   Traits{CostSensitive: true, RasterRatio: 0.9},
			provider: ProviderTesseract,
			reason:   "cost-sensitive",
		},
		{
			name:     "offline routes local",
			traits:   Traits{Offline: true},
			provider: ProviderTesseract,
			reason:   "cost-sensitive",
		},
		{
			name:     "long low-raster document routes local",
			traits:   Traits{PageCount: 40, RasterRatio: 0.44},
			provider: ProviderTesseract,
			reason:   "long-document-low-raster",
		},
		{
			name:     "high raster ratio routes textract",
			traits:   Traits{RasterRatio: 0.6},
			provider: ProviderTextract,
			reason:   "high-raster-ratio",
		},
		{
			name:     "table merges route azure",
			traits:   Traits{TableMerges: 2, RasterRatio: 0.5},
			provider: ProviderAzure,
			reason:   "structured-form",
		},
		{
			name:     "form-like layout routes azure",
			traits:   Traits{FormLike: true},
			provider: ProviderAzure,
			reason:   "structured-form",
		},
		{
			name:     "moderate raster routes textract",
			traits:   Traits{RasterRatio: 0.45},
			provider: ProviderTextract,
			reason:   "moderate-raster",
		},
		{
			name:     "default routes azure",
			traits:   Traits{},
			provider: ProviderAzure,
			reason:   "default-structured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := SelectProvider(tt.traits, tt.metadata)
			assert.Equal(t, tt.provider, decision.Provider)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

func TestTraitsFromMetadata(t *testing.T) {
	traits := TraitsFromMetadata(map[string]any{
		"page_count":           "12 pages",
		"raster_ratio":         "55%",
		"table_merge_count":    3,
		"has_form_like_layout": true,
		"cost_sensitive":       "false",
		"offline":              0,
	})
	assert.Equal(t, 12, traits.PageCount)
	assert.InDelta(t, 0.55, traits.RasterRatio, 1e-9)
	assert.Equal(t, 3, traits.TableMerges)
	assert.True(t, traits.FormLike)
	assert.False(t, traits.CostSensitive)
	assert.False(t, traits.Offline)
}

func TestResolveProviderExplicitMode(t *testing.T) {
	provider, decision, err := ResolveProvider("explicit", "azure", nil, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, ProviderAzure, provider)
	assert.Nil(t, decision)

	_, _, err = ResolveProvider("explicit", "", nil, Credentials{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)

	_, _, err = ResolveProvider("weird", "azure", nil, Credentials{})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestResolveProviderAutoFallsBackOnMissingCredentials(t *testing.T) {
	// Selection lands on azure; without azure credentials the chain falls
	// through textract to tesseract.
	provider, decision, err := ResolveProvider("auto", "", map[string]any{
		"has_form_like_layout": true,
	}, Credentials{})
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, ProviderAzure, decision.Provider)
	assert.Equal(t, ProviderTesseract, provider)

	// With textract credentials the first available fallback wins.
	provider, _, err = ResolveProvider("auto", "", map[string]any{
		"has_form_like_layout": true,
	}, Credentials{TextractRegion: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, ProviderTextract, provider)

	// Fully credentialed keeps the heuristic choice.
	provider, _, err = ResolveProvider("auto", "", map[string]any{
		"has_form_like_layout": true,
	}, Credentials{AzureEndpoint: "https://di", AzureKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAzure, provider)
}

func TestBudgetAllows(t *testing.T) {
	tests := []struct {
		name     string
		pages    int
		maxCents int
		perPage  int
		allowed  bool
		estimate int
	}{
		{"zero pages always allowed", 0, 10, 5, true, 0},
		{"within budget", 10, 100, 5, true, 50},
		{"exactly at budget", 20, 100, 5, true, 100},
		{"over budget", 21, 100, 5, false, 105},
		{"zero ceiling disables gate", 1000, 0, 5, true, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, estimate := BudgetAllows(tt.pages, tt.maxCents, tt.perPage)
			assert.Equal(t, tt.allowed, allowed)
			assert.Equal(t, tt.estimate, estimate)
		})
	}
}
