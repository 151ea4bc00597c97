// Package objectstore provides the S3 client used for raw documents, page
// previews, and exports. All calls go through a circuit breaker; idempotent
// calls are retried with exponential backoff and jitter.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zabrisket/ledgerlift/pkg/breaker"
	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
)

// API is the subset of the S3 client the store depends on.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// PresignAPI issues presigned requests.
type PresignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the fields of the SDK's PresignedHTTPRequest we
// consume, so fakes don't need the full signer types.
type v4PresignedRequest = struct {
	URL          string
	Method       string
	SignedHeader map[string][]string
}

// Factory builds fresh S3 clients; invoked on credential refresh.
type Factory func(ctx context.Context) (API, PresignAPI, error)

// Config holds object store configuration.
type Config struct {
	Bucket              string
	Region              string
	Endpoint            string // non-empty for S3-compatible stores
	RefreshInterval     time.Duration
	MaxRetries          int
	MinSizeBytes        int64
	MaxSizeBytes        int64
	AllowedContentTypes []string
	Breaker             breaker.Config
}

// Metadata describes a stored object.
type Metadata struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Keys       []string
	NextCursor string
}

// Store is the circuit-broken object store client. The client handle is
// refreshed every RefreshInterval to pick up rotated credentials; refresh is
// serialized under the mutex.
type Store struct {
	cfg     Config
	factory Factory
	brk     *breaker.Breaker
	logger  zerolog.Logger
	rng     *rand.Rand
	rngMu   sync.Mutex

	mu        sync.Mutex
	api       API
	presigner PresignAPI
	createdAt time.Time
}

// New creates a Store backed by real AWS SDK clients.
func New(ctx context.Context, cfg Config) (*Store, error) {
	factory := func(ctx context.Context) (API, PresignAPI, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		return client, &sdkPresigner{inner: s3.NewPresignClient(client)}, nil
	}
	return NewWithFactory(ctx, cfg, factory)
}

// NewWithFactory creates a Store with a custom client factory (tests).
func NewWithFactory(ctx context.Context, cfg Config, factory Factory) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errdefs.InvalidInput("bucket is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "objectstore"
	}

	s := &Store{
		cfg:     cfg,
		factory: factory,
		brk:     breaker.New(cfg.Breaker),
		logger:  log.WithComponent("objectstore"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type sdkPresigner struct {
	inner *s3.PresignClient
}

func (p *sdkPresigner) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := p.inner.PresignPutObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL, Method: req.Method, SignedHeader: req.SignedHeader}, nil
}

func (s *Store) refresh(ctx context.Context) error {
	api, presigner, err := s.factory(ctx)
	if err != nil {
		return errdefs.Transient(err)
	}
	s.api = api
	s.presigner = presigner
	s.createdAt = time.Now()
	s.logger.Debug().Msg("Object store client refreshed")
	return nil
}

// client returns the current API handle, refreshing the client if it has
// outlived the refresh interval.
func (s *Store) client(ctx context.Context) (API, PresignAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.createdAt) > s.cfg.RefreshInterval {
		if err := s.refresh(ctx); err != nil {
			return nil, nil, err
		}
	}
	return s.api, s.presigner, nil
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9!_.*'()/\-]+$`)

func (s *Store) validateKey(key string) error {
	if key == "" {
		return errdefs.InvalidInput("object key cannot be empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return errdefs.InvalidInput("object key %q is not allowed", key)
	}
	if !keyPattern.MatchString(key) {
		return errdefs.InvalidInput("object key %q contains unsupported characters", key)
	}
	return nil
}

func (s *Store) validateUpload(key, contentType string, size int64) error {
	if err := s.validateKey(key); err != nil {
		return err
	}
	if size < s.cfg.MinSizeBytes || (s.cfg.MaxSizeBytes > 0 && size > s.cfg.MaxSizeBytes) {
		return errdefs.InvalidInput("file size %d outside bounds [%d, %d]", size, s.cfg.MinSizeBytes, s.cfg.MaxSizeBytes)
	}
	if len(s.cfg.AllowedContentTypes) > 0 {
		ok := false
		for _, ct := range s.cfg.AllowedContentTypes {
			if strings.EqualFold(ct, contentType) {
				ok = true
				break
			}
		}
		if !ok {
			return errdefs.InvalidInput("content type %q is not allowed", contentType)
		}
	}
	return nil
}

// classify maps SDK failures onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "Throttling", "SlowDown", "RequestLimitExceeded":
			return errdefs.Throttled(err)
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return errdefs.Transient(err)
		case "NotFound", "NoSuchKey", "404":
			return fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
		}
		return fmt.Errorf("storage error: %w", err)
	}
	// Connection-level failures are retriable.
	return errdefs.Transient(err)
}

// call runs op under the circuit breaker. When idempotent, retriable
// failures are retried with exponential backoff and ±50% jitter.
func (s *Store) call(ctx context.Context, op string, idempotent bool, fn func(API) error) error {
	attempts := 1
	if idempotent {
		attempts = s.cfg.MaxRetries + 1
	}

	var lastErr error
	delay := 250 * time.Millisecond
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.ObjectStoreRetriesTotal.WithLabelValues(op).Inc()
			select {
			case <-time.After(s.jitter(delay)):
			case <-ctx.Done():
				return errdefs.Transient(ctx.Err())
			}
			delay *= 2
		}

		done, err := s.brk.Allow()
		if err != nil {
			return err
		}
		api, _, err := s.client(ctx)
		if err != nil {
			done(false)
			return err
		}

		started := time.Now()
		err = classify(fn(api))
		metrics.ObjectStoreRequestDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())

		if err == nil {
			done(true)
			return nil
		}
		// Missing objects are a valid outcome, not a dependency failure.
		if errors.Is(err, errdefs.ErrNotFound) || errors.Is(err, errdefs.ErrInvalidInput) {
			done(true)
			return err
		}
		done(false)
		lastErr = err
		if !errdefs.IsRetriable(err) {
			return err
		}
	}
	return lastErr
}

// jitter spreads d by ±50%.
func (s *Store) jitter(d time.Duration) time.Duration {
	s.rngMu.Lock()
	f := 0.5 + s.rng.Float64() // [0.5, 1.5)
	s.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}

// PresignPut issues a presigned upload URL. Not retried: a second signature
// for the same key is a new grant, not a replay.
func (s *Store) PresignPut(ctx context.Context, key, contentType string, size int64, metadata map[string]string, ttl time.Duration) (string, error) {
	if err := s.validateUpload(key, contentType, size); err != nil {
		return "", err
	}

	done, err := s.brk.Allow()
	if err != nil {
		return "", err
	}
	_, presigner, err := s.client(ctx)
	if err != nil {
		done(false)
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}

	req, err := presigner.PresignPutObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		done(false)
		return "", classify(err)
	}
	done(true)

	if _, err := url.Parse(req.URL); err != nil {
		return "", fmt.Errorf("presigner returned malformed URL: %w", err)
	}
	return req.URL, nil
}

// Get downloads an object fully into memory.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	var data []byte
	err := s.call(ctx, "get", true, func(api API) error {
		out, err := api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetStream downloads an object and emits chunkSize byte chunks on the
// returned channel. The channel closes when the body is drained or ctx ends;
// a read failure surfaces on the error channel.
func (s *Store) GetStream(ctx context.Context, key string, chunkSize int) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)
	if chunkSize <= 0 {
		chunkSize = 8192
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		var body io.ReadCloser
		err := s.call(ctx, "get", true, func(api API) error {
			out, err := api.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.cfg.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return err
			}
			body = out.Body
			return nil
		})
		if err != nil {
			errs <- err
			return
		}
		defer body.Close()

		buf := make([]byte, chunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- errdefs.Transient(err)
				return
			}
		}
	}()

	return chunks, errs
}

// Put uploads an object. Not retried by default: the caller owns replay
// decisions for non-idempotent writes.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if err := s.validateUpload(key, contentType, int64(len(data))); err != nil {
		return err
	}
	return s.call(ctx, "put", false, func(api API) error {
		input := &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		}
		if len(metadata) > 0 {
			input.Metadata = metadata
		}
		_, err := api.PutObject(ctx, input)
		return err
	})
}

// Head fetches object metadata. Returns ErrNotFound for missing keys.
func (s *Store) Head(ctx context.Context, key string) (*Metadata, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	var md *Metadata
	err := s.call(ctx, "head", true, func(api API) error {
		out, err := api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		md = &Metadata{
			Size:        aws.ToInt64(out.ContentLength),
			ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
			ContentType: aws.ToString(out.ContentType),
			Metadata:    out.Metadata,
		}
		if out.LastModified != nil {
			md.LastModified = *out.LastModified
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// Exists reports whether the object exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.validateKey(key); err != nil {
		return err
	}
	return s.call(ctx, "delete", true, func(api API) error {
		_, err := api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// List returns up to max keys under prefix, with a cursor for the next page.
func (s *Store) List(ctx context.Context, prefix string, max int, cursor string) (*ListResult, error) {
	if max <= 0 || max > 1000 {
		max = 1000
	}
	var result *ListResult
	err := s.call(ctx, "list", true, func(api API) error {
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.cfg.Bucket),
			MaxKeys: aws.Int32(int32(max)),
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if cursor != "" {
			input.ContinuationToken = aws.String(cursor)
		}
		out, err := api.ListObjectsV2(ctx, input)
		if err != nil {
			return err
		}
		result = &ListResult{NextCursor: aws.ToString(out.NextContinuationToken)}
		for _, obj := range out.Contents {
			result.Keys = append(result.Keys, aws.ToString(obj.Key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BreakerState exposes the circuit state for health reporting.
func (s *Store) BreakerState() string {
	return s.brk.State()
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// RawKey builds the storage key for an uploaded document:
// raw/{timestamp}/{uuid}-{sanitized_filename}.
func RawKey(now time.Time, filename string) string {
	base := unsafeFilenameChars.ReplaceAllString(path.Base(filename), "_")
	if base == "" || base == "." {
		base = "document.pdf"
	}
	return fmt.Sprintf("raw/%s/%s-%s", now.UTC().Format("20060102T150405"), uuid.NewString(), base)
}

// PreviewKey builds the storage key for a rendered page preview.
func PreviewKey(documentID string, page int) string {
	return fmt.Sprintf("previews/%s/page-%d.png", documentID, page)
}

// ExportKey builds the storage key for a generated export.
func ExportKey(documentID, name string) string {
	return fmt.Sprintf("exports/%s/%s", documentID, name)
}
