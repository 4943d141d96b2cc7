package archive

import (
	"errors"
	"io"
)

// errLimitExceeded is returned once a bounded read produces more bytes than
// its limit allows. Callers translate it into a DownloadTooLargeError.
var errLimitExceeded = errors.New("size limit exceeded")

const initialBufferSize = 64 << 10

// boundedReader counts the bytes produced by r and fails the read that would
// push the total past limit. Bytes beyond the limit are never handed to the
// caller.
type boundedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func newBoundedReader(r io.Reader, limit int64) *boundedReader {
	return &boundedReader{r: r, limit: limit}
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.read > b.limit {
		return 0, errLimitExceeded
	}
	// Allow one byte past the limit so an input of exactly limit bytes can
	// still report io.EOF instead of tripping the bound.
	if remaining := b.limit - b.read + 1; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := b.r.Read(p)
	b.read += int64(n)
	if b.read > b.limit {
		return 0, errLimitExceeded
	}
	return n, err
}

// readBounded reads r to EOF into memory. The backing buffer grows
// geometrically but its capacity is capped at limit+1, so a hostile input
// can never make it allocate more than the bound plus one byte. Inputs
// longer than limit fail with errLimitExceeded.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	br := newBoundedReader(r, limit)
	buf := make([]byte, 0, min(int64(initialBufferSize), limit+1))

	for {
		if len(buf) == cap(buf) {
			grown := make([]byte, len(buf), min(int64(cap(buf))*2, limit+1))
			copy(grown, buf)
			buf = grown
		}

		n, err := br.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
