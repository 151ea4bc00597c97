package ocr

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
)

// Provider names
const (
	ProviderAzure     = "azure"
	ProviderTextract  = "textract"
	ProviderTesseract = "tesseract"
)

// FallbackChain is the credential fallback order when the selected provider
// is unavailable.
var FallbackChain = []string{ProviderAzure, ProviderTextract, ProviderTesseract}

func knownProvider(name string) bool {
	switch name {
	case ProviderAzure, ProviderTextract, ProviderTesseract:
		return true
	}
	return false
}

// Traits are normalized document characteristics derived from metadata.
type Traits struct {
	PageCount     int
	RasterRatio   float64
	TableMerges   int
	FormLike      bool
	CostSensitive bool
	Offline       bool
}

// Decision records the selected provider and its justification.
type Decision struct {
	Provider string
	Reason   string
	Traits   Traits
}

var intPattern = regexp.MustCompile(`\d+`)

func safeFloat(v any) float64 {
	switch value := v.(type) {
	case nil:
		return 0
	case float64:
		return value
	case float32:
		return float64(value)
	case int:
		return float64(value)
	case int64:
		return float64(value)
	case string:
		cleaned := strings.TrimSpace(value)
		if cleaned == "" {
			return 0
		}
		percent := strings.HasSuffix(cleaned, "%")
		cleaned = strings.TrimSuffix(cleaned, "%")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0
		}
		if percent {
			return f / 100
		}
		return f
	}
	return 0
}

func safeInt(v any) int {
	switch value := v.(type) {
	case nil:
		return 0
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case string:
		match := intPattern.FindString(value)
		if match == "" {
			return 0
		}
		n, err := strconv.Atoi(match)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func safeBool(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes":
			return true
		}
	case int:
		return value != 0
	case float64:
		return value != 0
	}
	return false
}

// TraitsFromMetadata derives traits from arbitrary document metadata.
func TraitsFromMetadata(metadata map[string]any) Traits {
	rasterRatio := safeFloat(metadata["raster_ratio"])
	if rasterRatio == 0 {
		rasterRatio = safeFloat(metadata["raster_to_text_ratio"])
	}
	tableMerges := safeInt(metadata["table_merge_count"])
	if tableMerges == 0 {
		tableMerges = safeInt(metadata["table_merge_ops"])
	}
	pageCount := safeInt(metadata["page_count"])
	if pageCount == 0 {
		pageCount = safeInt(metadata["pages"])
	}
	return Traits{
		PageCount:     pageCount,
		RasterRatio:   rasterRatio,
		TableMerges:   tableMerges,
		FormLike:      safeBool(metadata["has_form_like_layout"]),
		CostSensitive: safeBool(metadata["cost_sensitive"]) || safeBool(metadata["budget_fallback"]),
		Offline:       safeBool(metadata["offline"]),
	}
}

// SelectProvider applies the selection heuristic; first match wins.
func SelectProvider(traits Traits, metadata map[string]any) Decision {
	preferred := strings.ToLower(strings.TrimSpace(stringFrom(metadata["preferred_provider"])))
	if knownProvider(preferred) {
		return Decision{Provider: preferred, Reason: "preferred-provider", Traits: traits}
	}

	if traits.CostSensitive || traits.Offline {
		return Decision{Provider: ProviderTesseract, Reason: "cost-sensitive", Traits: traits}
	}
	if traits.PageCount >= 40 && traits.RasterRatio < 0.45 {
		return Decision{Provider: ProviderTesseract, Reason: "long-document-low-raster", Traits: traits}
	}
	if traits.RasterRatio >= 0.6 {
		return Decision{Provider: ProviderTextract, Reason: "high-raster-ratio", Traits: traits}
	}
	if traits.TableMerges >= 2 || traits.FormLike {
		return Decision{Provider: ProviderAzure, Reason: "structured-form", Traits: traits}
	}
	if traits.RasterRatio >= 0.4 {
		return Decision{Provider: ProviderTextract, Reason: "moderate-raster", Traits: traits}
	}
	return Decision{Provider: ProviderAzure, Reason: "default-structured", Traits: traits}
}

func stringFrom(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Credentials reports which providers are configured. Tesseract is always
// available.
type Credentials struct {
	AzureEndpoint  string
	AzureKey       string
	TextractRegion string
}

func (c Credentials) available(provider string) bool {
	switch provider {
	case ProviderAzure:
		return c.AzureEndpoint != "" && c.AzureKey != ""
	case ProviderTextract:
		return c.TextractRegion != ""
	case ProviderTesseract:
		return true
	}
	return false
}

// ResolveProvider resolves the provider name for a job. In explicit mode the
// configured provider is mandatory; in auto mode the heuristic decision is
// walked down the fallback chain until a credentialed provider is found.
func ResolveProvider(mode, explicit string, metadata map[string]any, creds Credentials) (string, *Decision, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	explicit = strings.ToLower(strings.TrimSpace(explicit))

	switch mode {
	case "", "explicit":
		if !knownProvider(explicit) {
			return "", nil, errdefs.InvalidInput("OCR_PROVIDER must be azure, textract, or tesseract when mode=explicit")
		}
		return explicit, nil, nil
	case "auto":
	default:
		return "", nil, errdefs.InvalidInput("unsupported OCR provider mode: %q", mode)
	}

	traits := TraitsFromMetadata(metadata)
	decision := SelectProvider(traits, metadata)

	ordered := []string{decision.Provider}
	for _, fallback := range FallbackChain {
		if fallback != decision.Provider {
			ordered = append(ordered, fallback)
		}
	}
	for _, candidate := range ordered {
		if creds.available(candidate) {
			return candidate, &decision, nil
		}
	}
	return ProviderTesseract, &decision, nil
}

// BudgetAllows checks the pre-flight OCR budget. A zero ceiling disables the
// gate. Returns whether the job may proceed and the estimated cost.
func BudgetAllows(pages, maxCents, perPageCents int) (bool, int) {
	if pages <= 0 {
		return true, 0
	}
	estimated := pages * perPageCents
	if maxCents == 0 {
		return true, estimated
	}
	return estimated <= maxCents, estimated
}
