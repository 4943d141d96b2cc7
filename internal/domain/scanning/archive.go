package scanning

import "io"

// Format identifies the container type of a fetched artifact.
type Format string

const (
	FormatTarGz Format = "tar.gz"
	FormatZip   Format = "zip"
)

// Entry is one named member of an Archive. Content is only valid until the
// next call to Archive.Next.
type Entry struct {
	Name    string
	Size    int64
	Content io.Reader
}

// Archive is a fetched, size-bounded artifact presented as an ordered,
// finite sequence of entries. Iteration is lazy and cannot be restarted
// without fetching again. Next returns io.EOF once every entry was yielded.
type Archive interface {
	Next() (*Entry, error)
	Format() Format
	URL() string
	// Size is the number of bytes held in memory for the archive.
	Size() int64
	Close() error
}
