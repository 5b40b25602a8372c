package seekable

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type httpSource struct {
	url    string
	client *http.Client
	pos    int64
	length int64 // -1 until latched from a response
	eof    bool
}

// NewHTTP returns a Source reading rawurl through HTTP Range
// requests.  Each Read issues one ranged GET on its own connection.
// A 416 Range Not Satisfiable response is treated as end of file and
// latches the content length.
func NewHTTP(rawurl string) (Source, error) {
	if _, err := url.Parse(rawurl); err != nil {
		return nil, errors.Wrapf(err, "seekable: parse %s", rawurl)
	}
	return &httpSource{url: rawurl, client: &http.Client{}, length: -1}, nil
}

func (s *httpSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.eof || (s.length >= 0 && s.pos >= s.length) {
		s.eof = true
		return 0, io.EOF
	}
	want := int64(len(p))
	if s.length >= 0 && s.pos+want > s.length {
		want = s.length - s.pos
	}

	req, err := http.NewRequest("GET", s.url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "seekable: %s", s.url)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.pos, s.pos+want-1))
	// One connection per range read.
	req.Close = true
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "seekable: range read %s at %d", s.url, s.pos)
	}
	defer resp.Body.Close() // nolint: errcheck

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// A 416 carries "bytes */total" when the server knows the size.
		if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			s.length = total
		} else {
			s.length = s.pos
		}
		s.eof = true
		return 0, io.EOF
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("seekable: %s: unexpected status %s for range %d-%d",
			s.url, resp.Status, s.pos, s.pos+want-1)
	}
	if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
		s.length = total
	}

	n, err := io.ReadFull(resp.Body, p[:want])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		// The server returned a shorter range than requested.
		err = nil
	}
	if err != nil {
		return n, errors.Wrapf(err, "seekable: range read %s at %d", s.url, s.pos)
	}
	s.pos += int64(n)
	if n == 0 {
		s.eof = true
		return 0, io.EOF
	}
	return n, nil
}

// contentRangeTotal extracts the total length from a
// "bytes a-b/total" Content-Range header.
func contentRangeTotal(h string) (int64, bool) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(h[i+1:], 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

func (s *httpSource) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		if s.Length() < 0 {
			return 0, errors.Errorf("seekable: %s: length unknown, cannot seek from end", s.url)
		}
		abs = s.length + offset
	default:
		return 0, errors.Errorf("seekable: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.Errorf("seekable: %s: negative seek position %d", s.url, abs)
	}
	s.pos = abs
	s.eof = false
	return abs, nil
}

// Length returns the content length, issuing a HEAD request the first
// time when no ranged response has latched it yet.  Returns -1 when
// the length cannot be determined.
func (s *httpSource) Length() int64 {
	if s.length >= 0 {
		return s.length
	}
	req, err := http.NewRequest("HEAD", s.url, nil)
	if err != nil {
		return -1
	}
	req.Close = true
	resp, err := s.client.Do(req)
	if err != nil {
		return -1
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		s.length = resp.ContentLength
	}
	return s.length
}

func (s *httpSource) Close() error { return nil }
func (s *httpSource) EOF() bool    { return s.eof }
func (s *httpSource) Name() string { return s.url }
