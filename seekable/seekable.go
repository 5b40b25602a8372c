// Package seekable provides random-access byte sources for bgzf and
// other block-structured readers.  A Source is an io.ReadSeeker with
// a known (or discoverable) length and a human-readable description,
// backed by an in-memory buffer, a file path, or an HTTP URL served
// with Range requests.
package seekable

import (
	"bytes"
	"io"
)

// Source is a seekable byte stream.  Seek follows the io.Seeker
// convention; implementations support absolute positioning via
// io.SeekStart at minimum.
type Source interface {
	io.Reader
	io.Seeker
	io.Closer

	// Length returns the total number of bytes in the source, or -1
	// when it is not (yet) known.
	Length() int64

	// EOF reports whether the previous Read hit the end of the
	// source.  A successful Seek clears it.
	EOF() bool

	// Name describes the source for diagnostics.
	Name() string
}

type bytesSource struct {
	r    *bytes.Reader
	name string
	eof  bool
}

// NewBytes returns a Source reading from data.  name is used only for
// diagnostics.
func NewBytes(data []byte, name string) Source {
	return &bytesSource{r: bytes.NewReader(data), name: name}
}

func (s *bytesSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.eof = true
	}
	return n, err
}

func (s *bytesSource) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.r.Seek(offset, whence)
	if err == nil {
		s.eof = false
	}
	return pos, err
}

func (s *bytesSource) Close() error  { return nil }
func (s *bytesSource) Length() int64 { return s.r.Size() }
func (s *bytesSource) EOF() bool     { return s.eof }
func (s *bytesSource) Name() string  { return s.name }
