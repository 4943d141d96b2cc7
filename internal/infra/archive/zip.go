package archive

import (
	"io"

	"github.com/klauspost/compress/zip"

	"github.com/ahrav/registry-scanner/internal/domain/scanning"
)

var _ scanning.Archive = (*ZipArchive)(nil)

// ZipArchive is a zip payload held in memory with its central directory
// parsed. Entries are inflated lazily, one at a time, each bounded by the
// fetcher's MaxSize.
type ZipArchive struct {
	url        string
	size       int64
	entryLimit int64

	files   []*zip.File
	next    int
	current io.ReadCloser
}

func newZipArchive(url string, zr *zip.Reader, size, entryLimit int64) *ZipArchive {
	return &ZipArchive{
		url:        url,
		size:       size,
		entryLimit: entryLimit,
		files:      zr.File,
	}
}

// Next opens the next regular file. Reading its content past the entry
// limit fails with a DownloadTooLargeError.
func (a *ZipArchive) Next() (*scanning.Entry, error) {
	a.closeCurrent()

	for a.next < len(a.files) {
		f := a.files[a.next]
		a.next++

		if !f.FileInfo().Mode().IsRegular() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, &scanning.CorruptArchiveError{URL: a.url, Err: err}
		}
		a.current = rc

		return &scanning.Entry{
			Name:    f.Name,
			Size:    int64(f.UncompressedSize64),
			Content: &entryReader{r: newBoundedReader(rc, a.entryLimit), url: a.url, limit: a.entryLimit},
		}, nil
	}
	return nil, io.EOF
}

func (a *ZipArchive) Format() scanning.Format { return scanning.FormatZip }
func (a *ZipArchive) URL() string             { return a.url }
func (a *ZipArchive) Size() int64             { return a.size }

// Close releases the open entry, if any. Further calls to Next return io.EOF.
func (a *ZipArchive) Close() error {
	a.closeCurrent()
	a.next = len(a.files)
	return nil
}

func (a *ZipArchive) closeCurrent() {
	if a.current != nil {
		_ = a.current.Close()
		a.current = nil
	}
}

// entryReader translates bound and decompression failures into domain errors.
type entryReader struct {
	r     io.Reader
	url   string
	limit int64
}

func (e *entryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	return n, classify(e.url, e.limit, err)
}
