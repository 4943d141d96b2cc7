package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"

	"github.com/ahrav/registry-scanner/internal/domain/scanning"
)

var _ scanning.Archive = (*TarArchive)(nil)

// TarArchive is a decompressed tarball held in memory. Its size was bounded
// while it was decompressed, so entry reads need no further limit.
type TarArchive struct {
	url    string
	size   int64
	reader *tar.Reader
	done   bool
}

func newTarArchive(url string, data []byte) *TarArchive {
	return &TarArchive{
		url:    url,
		size:   int64(len(data)),
		reader: tar.NewReader(bytes.NewReader(data)),
	}
}

// Next advances to the next regular file. Directories, links and other
// special members carry no content and are skipped.
func (a *TarArchive) Next() (*scanning.Entry, error) {
	if a.done {
		return nil, io.EOF
	}

	for {
		hdr, err := a.reader.Next()
		if errors.Is(err, io.EOF) {
			a.done = true
			return nil, io.EOF
		}
		if err != nil {
			a.done = true
			return nil, &scanning.CorruptArchiveError{URL: a.url, Err: err}
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}
		return &scanning.Entry{Name: hdr.Name, Size: hdr.Size, Content: a.reader}, nil
	}
}

func (a *TarArchive) Format() scanning.Format { return scanning.FormatTarGz }
func (a *TarArchive) URL() string             { return a.url }
func (a *TarArchive) Size() int64             { return a.size }

// Close releases the archive. Further calls to Next return io.EOF.
func (a *TarArchive) Close() error {
	a.done = true
	a.reader = nil
	return nil
}
