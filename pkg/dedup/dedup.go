// Package dedup implements the content-addressable deduplication gate:
// cryptographic hashes over raw and canonicalized bytes, perceptual hashes
// over rendered pages, and a Redis-backed near-duplicate index.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/log"
)

const phashKeyPrefix = "cas:phash"

// Normalizer produces a deterministic serialization of a PDF (stable object
// ids, stripped timestamps). Nil means canonical hashing is disabled.
type Normalizer interface {
	Canonicalize(ctx context.Context, pdf []byte) ([]byte, error)
}

// Rasterizer renders PDF pages to images at the given scale. The processing
// pipeline provides the real renderer; dedup only consumes it.
type Rasterizer interface {
	PageCount(ctx context.Context, pdf []byte) (int, error)
	RenderPage(ctx context.Context, pdf []byte, pageIndex int, scale float64) (image.Image, error)
}

// Hashes is the full content-address of a document.
type Hashes struct {
	SHA256Raw       string
	SHA256Canonical string // empty when no normalizer is configured
	PagePhashes     []string
}

// Deduplicator computes content hashes and maintains the phash index.
type Deduplicator struct {
	kv         *kv.Client
	normalizer Normalizer
	rasterizer Rasterizer
	maxPages   int
	logger     zerolog.Logger
}

// New creates a Deduplicator. The rasterizer is required for perceptual
// hashing; passing nil defers the failure to Compute with a setup error
// instead of silently disabling dedup.
func New(kvClient *kv.Client, normalizer Normalizer, rasterizer Rasterizer, maxPages int) *Deduplicator {
	if maxPages <= 0 {
		maxPages = 3
	}
	return &Deduplicator{
		kv:         kvClient,
		normalizer: normalizer,
		rasterizer: rasterizer,
		maxPages:   maxPages,
		logger:     log.WithComponent("dedup"),
	}
}

// Compute derives the full hash set for a PDF.
func (d *Deduplicator) Compute(ctx context.Context, pdf []byte) (*Hashes, error) {
	if d.rasterizer == nil {
		return nil, errdefs.InvalidInput("perceptual hashing requires a page rasterizer; configure one before enabling dedup")
	}

	h := &Hashes{SHA256Raw: hashBytes(pdf)}

	if d.normalizer != nil {
		canonical, err := d.normalizer.Canonicalize(ctx, pdf)
		if err != nil {
			d.logger.Warn().Err(err).Msg("PDF canonicalization failed; canonical hash omitted")
		} else if len(canonical) > 0 {
			h.SHA256Canonical = hashBytes(canonical)
		}
	}

	pages, err := d.rasterizer.PageCount(ctx, pdf)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	if pages > d.maxPages {
		pages = d.maxPages
	}

	for i := 0; i < pages; i++ {
		img, err := d.rasterizer.RenderPage(ctx, pdf, i, 2.0)
		if err != nil {
			d.logger.Warn().Err(err).Int("page", i).Msg("Failed to render page for perceptual hash")
			continue
		}
		phash, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return nil, fmt.Errorf("failed to compute perceptual hash for page %d: %w", i, err)
		}
		h.PagePhashes = append(h.PagePhashes, fmt.Sprintf("%016x", phash.GetHash()))
	}

	return h, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func docKey(documentID string) string {
	return fmt.Sprintf("%s:doc:%s", phashKeyPrefix, documentID)
}

func pageKey(pageIndex int, hashHex string) string {
	return fmt.Sprintf("%s:page:%d:%s", phashKeyPrefix, pageIndex, hashHex)
}

// Index stores a document's page phashes so later uploads can find it.
func (d *Deduplicator) Index(ctx context.Context, documentID string, phashes []string) error {
	if len(phashes) == 0 {
		return nil
	}
	pipe := d.kv.Redis().Pipeline()
	mapping := make(map[string]string, len(phashes))
	for i, h := range phashes {
		mapping[strconv.Itoa(i)] = h
		pipe.SAdd(ctx, pageKey(i, h), documentID)
	}
	pipe.HSet(ctx, docKey(documentID), mapping)
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Transient(err)
	}
	return nil
}

// Unindex removes a document's phash entries (deletion workflow).
func (d *Deduplicator) Unindex(ctx context.Context, documentID string) error {
	rdb := d.kv.Redis()
	stored, err := rdb.HGetAll(ctx, docKey(documentID)).Result()
	if err != nil {
		return errdefs.Transient(err)
	}
	pipe := rdb.Pipeline()
	for idx, h := range stored {
		i, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		pipe.SRem(ctx, pageKey(i, h), documentID)
	}
	pipe.Del(ctx, docKey(documentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Transient(err)
	}
	return nil
}

// FindDuplicate looks up a near-duplicate of the given page phashes. The
// (page, hash) buckets are a coarse pre-filter; candidates are confirmed by
// comparing the stored vector position by position, accepting when every
// compared Hamming distance is within maxDistance. The first satisfying
// candidate wins.
func (d *Deduplicator) FindDuplicate(ctx context.Context, phashes []string, maxDistance int, excludeDocumentID string) (string, error) {
	if len(phashes) == 0 {
		return "", nil
	}
	rdb := d.kv.Redis()

	seen := make(map[string]bool)
	var candidates []string
	for i, h := range phashes {
		members, err := rdb.SMembers(ctx, pageKey(i, h)).Result()
		if err != nil {
			d.logger.Debug().Err(err).Int("page", i).Msg("Failed to read phash candidates")
			continue
		}
		for _, id := range members {
			if id == "" || id == excludeDocumentID || seen[id] {
				continue
			}
			seen[id] = true
			candidates = append(candidates, id)
		}
	}

	for _, candidate := range candidates {
		stored, err := d.loadPhashes(ctx, candidate)
		if err != nil || len(stored) == 0 {
			continue
		}
		if phashesWithin(phashes, stored, maxDistance) {
			return candidate, nil
		}
	}
	return "", nil
}

func (d *Deduplicator) loadPhashes(ctx context.Context, documentID string) ([]string, error) {
	stored, err := d.kv.Redis().HGetAll(ctx, docKey(documentID)).Result()
	if err != nil {
		return nil, errdefs.Transient(err)
	}
	if len(stored) == 0 {
		return nil, nil
	}
	maxIdx := -1
	byIndex := make(map[int]string, len(stored))
	for rawIdx, h := range stored {
		idx, err := strconv.Atoi(rawIdx)
		if err != nil {
			continue
		}
		byIndex[idx] = h
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	out := make([]string, maxIdx+1)
	for idx, h := range byIndex {
		out[idx] = h
	}
	return out, nil
}

func phashesWithin(target, candidate []string, maxDistance int) bool {
	compare := len(target)
	if len(candidate) < compare {
		compare = len(candidate)
	}
	if compare == 0 {
		return false
	}
	for i := 0; i < compare; i++ {
		if Distance(target[i], candidate[i]) > maxDistance {
			return false
		}
	}
	return true
}

// Distance returns the Hamming distance between two phash hex strings.
// Malformed input yields the maximum distance so it can never match.
func Distance(a, b string) int {
	ua, errA := strconv.ParseUint(a, 16, 64)
	ub, errB := strconv.ParseUint(b, 16, 64)
	if errA != nil || errB != nil {
		return 64
	}
	return bits.OnesCount64(ua ^ ub)
}
