// Package archive retrieves package distributions over HTTP and exposes them
// as size-bounded, lazily iterated containers. Every byte that reaches
// memory is counted against a fixed bound while it streams, so a hostile or
// corrupted archive that inflates without limit fails early instead of
// exhausting the worker.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/registry-scanner/internal/domain/scanning"
	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

// DefaultMaxSize is the largest decompressed payload accepted for one
// distribution.
const DefaultMaxSize int64 = 250_000_000

var _ scanning.ArtifactFetcher = (*Fetcher)(nil)

// Config controls artifact retrieval.
type Config struct {
	// MaxSize bounds the bytes held in memory for one artifact: the
	// decompressed tar stream, or the compressed zip payload. Individual zip
	// entries are bounded by the same value when read.
	MaxSize int64
	// FetchTimeout caps the wall-clock time of a single download.
	FetchTimeout time.Duration
	UserAgent    string
}

// Fetcher downloads distributions and wraps them as scanning.Archive values.
type Fetcher struct {
	client *http.Client
	cfg    Config

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics FetcherMetrics
}

// NewFetcher creates a Fetcher. A zero MaxSize falls back to DefaultMaxSize.
func NewFetcher(
	client *http.Client,
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics FetcherMetrics,
) *Fetcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client:  client,
		cfg:     cfg,
		logger:  log.With("component", "archive_fetcher"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// FormatForURL infers the container format from the URL path suffix.
func FormatForURL(rawURL string) (scanning.Format, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &scanning.UnsupportedFormatError{URL: rawURL}
	}

	p := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(p, ".tar.gz"), strings.HasSuffix(p, ".tgz"):
		return scanning.FormatTarGz, nil
	case strings.HasSuffix(p, ".zip"), strings.HasSuffix(p, ".whl"),
		strings.HasSuffix(p, ".egg"), strings.HasSuffix(p, ".jar"):
		return scanning.FormatZip, nil
	default:
		return "", &scanning.UnsupportedFormatError{URL: rawURL}
	}
}

// Fetch downloads rawURL and returns it as an Archive of the format implied
// by its suffix.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (scanning.Archive, error) {
	format, err := FormatForURL(rawURL)
	if err != nil {
		f.metrics.IncFetchError(ctx, "unsupported_format")
		return nil, err
	}

	var archive scanning.Archive
	switch format {
	case scanning.FormatTarGz:
		archive, err = f.FetchTarball(ctx, rawURL)
	default:
		archive, err = f.FetchZip(ctx, rawURL)
	}
	if err != nil {
		return nil, err
	}
	return archive, nil
}

// FetchTarball downloads a gzip-compressed tarball. The gzip stream is
// decompressed incrementally and the decompressed byte count is bounded by
// MaxSize while streaming.
func (f *Fetcher) FetchTarball(ctx context.Context, rawURL string) (*TarArchive, error) {
	data, err := f.download(ctx, rawURL, scanning.FormatTarGz, func(body io.Reader) (io.Reader, func() error, error) {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return gz, gz.Close, nil
	})
	if err != nil {
		return nil, err
	}
	return newTarArchive(rawURL, data), nil
}

// FetchZip downloads a zip archive. The compressed payload is bounded by
// MaxSize; entries are decompressed one at a time when read, each under the
// same bound.
func (f *Fetcher) FetchZip(ctx context.Context, rawURL string) (*ZipArchive, error) {
	data, err := f.download(ctx, rawURL, scanning.FormatZip, nil)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		f.metrics.IncFetchError(ctx, "corrupt")
		return nil, &scanning.CorruptArchiveError{URL: rawURL, Err: err}
	}
	return newZipArchive(rawURL, zr, int64(len(data)), f.cfg.MaxSize), nil
}

// decodeFn wraps the response body in a decoder. The returned close func, if
// any, is called once the payload has been read.
type decodeFn func(body io.Reader) (io.Reader, func() error, error)

func (f *Fetcher) download(ctx context.Context, rawURL string, format scanning.Format, decode decodeFn) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "archive_fetcher.download",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url", rawURL),
			attribute.String("format", string(format)),
			attribute.Int64("max_size", f.cfg.MaxSize),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() { f.metrics.ObserveFetchDuration(ctx, format, time.Since(start)) }()

	if f.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.FetchTimeout)
		defer cancel()
	}

	data, err := f.get(ctx, rawURL, decode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		f.metrics.IncFetchError(ctx, failureReason(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("size", len(data)))
	f.metrics.ObserveArtifactSize(ctx, format, int64(len(data)))
	f.logger.Debug(ctx, "artifact downloaded", "url", rawURL, "format", string(format), "size", len(data))

	return data, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string, decode decodeFn) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &scanning.TransportError{Op: http.MethodGet, URL: rawURL, Err: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &scanning.TransportError{Op: http.MethodGet, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &scanning.TransportError{Op: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode}
	}

	// Tag body read failures so they can be told apart from decoder errors.
	var payload io.Reader = &bodyReader{r: resp.Body}
	if decode != nil {
		decoded, closeFn, err := decode(payload)
		if err != nil {
			return nil, classify(rawURL, f.cfg.MaxSize, err)
		}
		if closeFn != nil {
			defer closeFn()
		}
		payload = decoded
	}

	data, err := readBounded(payload, f.cfg.MaxSize)
	if err != nil {
		return nil, classify(rawURL, f.cfg.MaxSize, err)
	}
	return data, nil
}

// bodyReadError marks an error raised by the HTTP body itself.
type bodyReadError struct{ err error }

func (e *bodyReadError) Error() string { return e.err.Error() }
func (e *bodyReadError) Unwrap() error { return e.err }

type bodyReader struct{ r io.Reader }

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &bodyReadError{err: err}
	}
	return n, err
}

func classify(rawURL string, limit int64, err error) error {
	var bre *bodyReadError
	switch {
	case errors.Is(err, errLimitExceeded):
		return &scanning.DownloadTooLargeError{URL: rawURL, Limit: limit}
	case errors.As(err, &bre):
		return &scanning.TransportError{Op: http.MethodGet, URL: rawURL, Err: bre.err}
	default:
		return &scanning.CorruptArchiveError{URL: rawURL, Err: err}
	}
}

func failureReason(err error) string {
	var (
		tooLarge  *scanning.DownloadTooLargeError
		transport *scanning.TransportError
		corrupt   *scanning.CorruptArchiveError
	)
	switch {
	case errors.As(err, &tooLarge):
		return "too_large"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &corrupt):
		return "corrupt"
	default:
		return fmt.Sprintf("%T", err)
	}
}
