package sorter

import (
	"bufio"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/golang/snappy"
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// minTempFreeSpace is the free-space threshold a configured temp
// directory must clear before spill files are placed in it.  The last
// configured directory is used unconditionally.
const minTempFreeSpace = 100 << 20

// tempFiles tracks every live spill file in the process so that a
// teardown hook can retire files whose collection never reached
// Cleanup.
var tempFiles struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func registerTempFile(path string) {
	tempFiles.mu.Lock()
	if tempFiles.paths == nil {
		tempFiles.paths = make(map[string]struct{})
	}
	tempFiles.paths[path] = struct{}{}
	tempFiles.mu.Unlock()
}

func unregisterTempFile(path string) {
	tempFiles.mu.Lock()
	delete(tempFiles.paths, path)
	tempFiles.mu.Unlock()
}

// RemoveAllTempFiles deletes every spill file still registered in the
// process.  Collections normally delete their own files in Cleanup;
// call this once at process teardown to catch the rest.
func RemoveAllTempFiles() {
	tempFiles.mu.Lock()
	defer tempFiles.mu.Unlock()
	for path := range tempFiles.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			vlog.Errorf("sorter: failed to remove temp file %v: %v", path, err)
		}
	}
	tempFiles.paths = nil
}

// pickTempDir returns the first configured directory with at least
// minTempFreeSpace bytes available, falling back to the last.  An
// empty list selects the system default.
func pickTempDir(dirs []string) string {
	if len(dirs) == 0 {
		return ""
	}
	for _, dir := range dirs[:len(dirs)-1] {
		var st unix.Statfs_t
		if err := unix.Statfs(dir, &st); err != nil {
			continue
		}
		if int64(st.Bavail)*int64(st.Bsize) >= minTempFreeSpace {
			return dir
		}
	}
	return dirs[len(dirs)-1]
}

func newTempFile(dirs []string, prefix string) (*os.File, error) {
	f, err := ioutil.TempFile(pickTempDir(dirs), prefix)
	if err != nil {
		return nil, err
	}
	registerTempFile(f.Name())
	return f, nil
}

func removeTempFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		vlog.Errorf("sorter: failed to remove temp file %v: %v", path, err)
	}
	unregisterTempFile(path)
}

// tempStreamFactory wraps spill streams.  Whatever it applies on the
// write side it strips on the read side: snappy framing when
// compression is on, plain buffering otherwise.  Compression is a big
// win on network-backed disks and costs little on fast NVMe.
type tempStreamFactory struct {
	compress bool
}

func (f tempStreamFactory) wrapWriter(w io.Writer) io.WriteCloser {
	if f.compress {
		return snappy.NewBufferedWriter(w)
	}
	return flushWriter{bufio.NewWriter(w)}
}

func (f tempStreamFactory) wrapReader(r io.Reader) io.Reader {
	if f.compress {
		return snappy.NewReader(r)
	}
	return bufio.NewReader(r)
}

// flushWriter gives a bufio.Writer the Close of an io.WriteCloser.
type flushWriter struct {
	*bufio.Writer
}

func (w flushWriter) Close() error { return w.Flush() }
