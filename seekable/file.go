package seekable

import (
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
)

type fileSource struct {
	f      file.File
	r      io.ReadSeeker
	name   string
	length int64
	eof    bool
}

// Open returns a Source reading the file at path.  Paths are resolved
// through the base file package, so any registered implementation
// (local paths by default, s3:// when linked in) works here.
func Open(path string) (Source, error) {
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r := f.Reader(ctx)
	length, err := r.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = r.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close(ctx)
		return nil, err
	}
	return &fileSource{f: f, r: r, name: path, length: length}, nil
}

func (s *fileSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.eof = true
	}
	return n, err
}

func (s *fileSource) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.r.Seek(offset, whence)
	if err == nil {
		s.eof = false
	}
	return pos, err
}

func (s *fileSource) Close() error {
	return s.f.Close(vcontext.Background())
}

func (s *fileSource) Length() int64 { return s.length }
func (s *fileSource) EOF() bool     { return s.eof }
func (s *fileSource) Name() string  { return s.name }
