package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/registry-scanner/internal/domain/scanning"
	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

type testFile struct {
	name    string
	content []byte
	dir     bool
}

func buildTarGz(t *testing.T, files ...testFile) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.content)), Typeflag: tar.TypeReg}
		if f.dir {
			hdr = &tar.Header{Name: f.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !f.dir {
			_, err := tw.Write(f.content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, files ...testFile) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		if f.dir {
			_, err := zw.Create(f.name + "/")
			require.NoError(t, err)
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// serve registers payloads by path on a test server and returns its base URL.
func serve(t *testing.T, routes map[string][]byte) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()

	m, err := NewFetcherMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return NewFetcher(http.DefaultClient, cfg, logger.Noop(), noop.NewTracerProvider().Tracer("test"), m)
}

func collect(t *testing.T, a scanning.Archive) map[string]string {
	t.Helper()

	out := map[string]string{}
	for {
		e, err := a.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		data, err := io.ReadAll(e.Content)
		require.NoError(t, err)
		out[e.Name] = string(data)
	}
}

func TestFetchTarball(t *testing.T) {
	payload := buildTarGz(t,
		testFile{name: "pkg-1.0", dir: true},
		testFile{name: "pkg-1.0/setup.py", content: []byte("import os")},
		testFile{name: "pkg-1.0/README", content: []byte("hello")},
	)
	base := serve(t, map[string][]byte{"/pkg-1.0.tar.gz": payload})

	f := newTestFetcher(t, Config{MaxSize: 1 << 20})
	a, err := f.FetchTarball(context.Background(), base+"/pkg-1.0.tar.gz")
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, scanning.FormatTarGz, a.Format())
	assert.Positive(t, a.Size())
	assert.Equal(t, map[string]string{
		"pkg-1.0/setup.py": "import os",
		"pkg-1.0/README":   "hello",
	}, collect(t, a))

	_, err = a.Next()
	assert.ErrorIs(t, err, io.EOF, "iteration is not restartable")
}

func TestFetchTarball_DecompressedSizeBound(t *testing.T) {
	// Highly compressible: a few KiB on the wire, 4 MiB once inflated.
	bomb := buildTarGz(t, testFile{name: "zeros", content: make([]byte, 4<<20)})
	base := serve(t, map[string][]byte{"/bomb.tar.gz": bomb})

	const limit = 1 << 20
	require.Less(t, len(bomb), limit)

	f := newTestFetcher(t, Config{MaxSize: limit})
	_, err := f.FetchTarball(context.Background(), base+"/bomb.tar.gz")

	var tooLarge *scanning.DownloadTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, base+"/bomb.tar.gz", tooLarge.URL)
	assert.Equal(t, int64(limit), tooLarge.Limit)
	assert.False(t, scanning.IsRetryable(err))
}

func TestFetchZip(t *testing.T) {
	payload := buildZip(t,
		testFile{name: "pkg", dir: true},
		testFile{name: "pkg/__init__.py", content: []byte("x = 1")},
		testFile{name: "pkg/METADATA", content: []byte("Name: pkg")},
	)
	base := serve(t, map[string][]byte{"/pkg-1.0-py3-none-any.whl": payload})

	f := newTestFetcher(t, Config{MaxSize: 1 << 20})
	a, err := f.FetchZip(context.Background(), base+"/pkg-1.0-py3-none-any.whl")
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, scanning.FormatZip, a.Format())
	assert.Equal(t, int64(len(payload)), a.Size())
	assert.Equal(t, map[string]string{
		"pkg/__init__.py": "x = 1",
		"pkg/METADATA":    "Name: pkg",
	}, collect(t, a))
}

func TestFetchZip_CompressedSizeBound(t *testing.T) {
	payload := buildZip(t, testFile{name: "random", content: bytes.Repeat([]byte("abcdefghij"), 1000)})
	base := serve(t, map[string][]byte{"/big.zip": payload})

	f := newTestFetcher(t, Config{MaxSize: int64(len(payload)) - 1})
	_, err := f.FetchZip(context.Background(), base+"/big.zip")
	assert.True(t, scanning.IsDownloadTooLarge(err))
}

func TestFetchZip_EntryInflationBound(t *testing.T) {
	payload := buildZip(t, testFile{name: "zeros", content: make([]byte, 2<<20)})
	base := serve(t, map[string][]byte{"/bomb.zip": payload})

	const limit = 256 << 10
	require.Less(t, len(payload), limit)

	f := newTestFetcher(t, Config{MaxSize: limit})
	a, err := f.FetchZip(context.Background(), base+"/bomb.zip")
	require.NoError(t, err, "compressed payload fits the bound")
	defer a.Close()

	e, err := a.Next()
	require.NoError(t, err)
	_, err = io.ReadAll(e.Content)
	assert.True(t, scanning.IsDownloadTooLarge(err))
}

func TestFetch_Failures(t *testing.T) {
	base := serve(t, map[string][]byte{
		"/corrupt.tar.gz": []byte("definitely not gzip"),
		"/corrupt.zip":    []byte("PK but not really"),
	})

	tests := []struct {
		name  string
		url   string
		check func(t *testing.T, err error)
	}{
		{
			name: "non-2xx status",
			url:  base + "/missing.tar.gz",
			check: func(t *testing.T, err error) {
				var te *scanning.TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusNotFound, te.StatusCode)
			},
		},
		{
			name: "connection refused",
			url:  "http://127.0.0.1:1/pkg.zip",
			check: func(t *testing.T, err error) {
				assert.True(t, scanning.IsRetryable(err))
			},
		},
		{
			name: "corrupt gzip",
			url:  base + "/corrupt.tar.gz",
			check: func(t *testing.T, err error) {
				var ce *scanning.CorruptArchiveError
				require.ErrorAs(t, err, &ce)
			},
		},
		{
			name: "corrupt zip",
			url:  base + "/corrupt.zip",
			check: func(t *testing.T, err error) {
				var ce *scanning.CorruptArchiveError
				require.ErrorAs(t, err, &ce)
			},
		},
		{
			name: "unsupported format",
			url:  base + "/pkg.rpm",
			check: func(t *testing.T, err error) {
				var ue *scanning.UnsupportedFormatError
				require.ErrorAs(t, err, &ue)
			},
		},
	}

	f := newTestFetcher(t, Config{MaxSize: 1 << 20})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := f.Fetch(context.Background(), tt.url)
			require.Error(t, err)
			assert.Nil(t, a)
			tt.check(t, err)
		})
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxSize: 1 << 20, FetchTimeout: 50 * time.Millisecond})
	_, err := f.Fetch(context.Background(), srv.URL+"/slow.tgz")

	var te *scanning.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_SendsUserAgent(t *testing.T) {
	payload := buildTarGz(t, testFile{name: "a", content: []byte("a")})
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{UserAgent: "registry-scanner/test"})
	_, err := f.Fetch(context.Background(), srv.URL+"/a.tgz")
	require.NoError(t, err)
	assert.Equal(t, "registry-scanner/test", gotUA)
}

func TestFormatForURL(t *testing.T) {
	tests := map[string]scanning.Format{
		"https://files.example/p/pkg-1.0.tar.gz":              scanning.FormatTarGz,
		"https://files.example/p/pkg-1.0.TGZ":                 scanning.FormatTarGz,
		"https://files.example/p/pkg-1.0-py3-none-any.whl":    scanning.FormatZip,
		"https://files.example/p/pkg-1.0.zip?token=abc":       scanning.FormatZip,
		"https://files.example/p/pkg-1.0-py2.7.egg#sha256=ff": scanning.FormatZip,
	}
	for u, want := range tests {
		got, err := FormatForURL(u)
		require.NoError(t, err, u)
		assert.Equal(t, want, got, u)
	}

	_, err := FormatForURL("https://files.example/p/pkg-1.0.tar.bz2")
	require.Error(t, err)
}

func TestFetch_TruncatedBody(t *testing.T) {
	tarball := buildTarGz(t, testFile{name: "pkg/setup.py", content: bytes.Repeat([]byte("import os\n"), 4096)})
	wheel := buildZip(t, testFile{name: "pkg/__init__.py", content: bytes.Repeat([]byte("x = 1\n"), 4096)})

	// Announce the full length, send half, then drop the connection.
	cut := func(payload []byte) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = w.Write(payload[:len(payload)/2])
		}
	}

	tests := []struct {
		name    string
		path    string
		payload []byte
	}{
		{name: "tarball", path: "/pkg-1.0.tar.gz", payload: tarball},
		{name: "zip", path: "/pkg-1.0-py3-none-any.whl", payload: wheel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(cut(tt.payload))
			defer srv.Close()

			f := newTestFetcher(t, Config{MaxSize: 1 << 20})
			a, err := f.Fetch(context.Background(), srv.URL+tt.path)
			require.Error(t, err)
			assert.Nil(t, a)

			var te *scanning.TransportError
			require.ErrorAs(t, err, &te)
			assert.True(t, scanning.IsRetryable(err))
		})
	}
}
