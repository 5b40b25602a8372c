package sorter

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// maxLongsInRAM bounds the in-memory buffer so the backing slice
// stays comfortably within 32-bit array-size limits.
var maxInt32Div8 = math.MaxInt32 / 8
var maxLongsInRAM = int(float64(maxInt32Div8) * 0.999)

// LongCollection is a streamlined variant of Collection specialized
// for 64-bit integers: natural numeric order, a fixed little-endian
// 8-byte on-disk encoding, and no codec plumbing.  The collection is
// its own iterator:
//
//   c, err := sorter.NewLongCollection(1<<20, tmpDir)
//   for _, v := range values {
//     err = c.Add(v)
//   }
//   err = c.DoneAdding()
//   for c.Scan() {
//     use(c.Value())
//   }
//   err = c.Err()
//   c.Cleanup()
type LongCollection struct {
	maxInRAM int
	tmpDirs  []string
	factory  tempStreamFactory
	state    collState

	vals   []int64
	spills []string

	// iteration state
	started bool
	idx     int
	leafs   *llrb.Tree
	cur     int64
	err     error
}

// NewLongCollection creates an empty LongCollection spilling to
// tmpDirs.  maxInRAM is clamped to the in-memory bound.
func NewLongCollection(maxInRAM int, tmpDirs ...string) (*LongCollection, error) {
	if maxInRAM < 1 {
		return nil, errors.E("sorter: MaxInRAM must be >= 1, not", maxInRAM)
	}
	if maxInRAM > maxLongsInRAM {
		maxInRAM = maxLongsInRAM
	}
	return &LongCollection{
		maxInRAM: maxInRAM,
		tmpDirs:  tmpDirs,
		factory:  tempStreamFactory{compress: true},
	}, nil
}

// Add appends a value.  Calling Add on a sealed or cleaned collection
// halts.
func (c *LongCollection) Add(v int64) error {
	if c.state != collOpen {
		vlog.Fatalf("sorter: Add called after DoneAdding or Cleanup")
	}
	c.vals = append(c.vals, v)
	if len(c.vals) >= c.maxInRAM {
		return c.spill()
	}
	return nil
}

func (c *LongCollection) spill() error {
	sort.Slice(c.vals, func(i, j int) bool { return c.vals[i] < c.vals[j] })
	f, err := newTempFile(c.tmpDirs, "longspill")
	if err != nil {
		return err
	}
	w := c.factory.wrapWriter(f)
	var buf [8]byte
	for _, v := range c.vals {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		if _, err = w.Write(buf[:]); err != nil {
			break
		}
	}
	if err2 := w.Close(); err == nil {
		err = err2
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return err
	}
	c.spills = append(c.spills, f.Name())
	c.vals = c.vals[:0]
	return nil
}

// DoneAdding seals the collection for iteration.  Idempotent.
func (c *LongCollection) DoneAdding() error {
	switch c.state {
	case collCleaned:
		vlog.Fatalf("sorter: DoneAdding called after Cleanup")
	case collSealed:
		return nil
	}
	c.state = collSealed
	if len(c.spills) > 0 && len(c.vals) > 0 {
		return c.spill()
	}
	if len(c.spills) == 0 {
		sort.Slice(c.vals, func(i, j int) bool { return c.vals[i] < c.vals[j] })
	}
	return nil
}

// Scan advances to the next value in numeric order.  It returns false
// at the end of the collection or on error; iteration consumes the
// spill files.
func (c *LongCollection) Scan() bool {
	if c.state != collSealed {
		vlog.Fatalf("sorter: Scan before DoneAdding or after Cleanup")
	}
	if c.err != nil {
		return false
	}
	if !c.started {
		c.started = true
		if len(c.spills) > 0 {
			if !c.startMerge() {
				return false
			}
		}
	}
	if c.leafs == nil {
		if c.idx >= len(c.vals) {
			return false
		}
		c.cur = c.vals[c.idx]
		c.idx++
		return true
	}
	if c.leafs.Len() == 0 {
		return false
	}
	top := c.leafs.Min().(*longCursor)
	c.cur = top.cur
	c.leafs.DeleteMin()
	if top.scan() {
		c.leafs.Insert(top)
	} else {
		top.close()
		if top.err != nil {
			c.err = top.err
		}
	}
	return true
}

func (c *LongCollection) startMerge() bool {
	c.leafs = &llrb.Tree{}
	for seq, path := range c.spills {
		cur, err := newLongCursor(seq, path, c.factory)
		if err != nil {
			c.err = err
			return false
		}
		if cur.scan() {
			c.leafs.Insert(cur)
		} else {
			cur.close()
			if cur.err != nil {
				c.err = cur.err
				return false
			}
		}
	}
	return true
}

// Value returns the value Scan advanced to.
func (c *LongCollection) Value() int64 { return c.cur }

// Err returns the first error encountered during iteration.
func (c *LongCollection) Err() error { return c.err }

// Cleanup removes the temporary files.  A second Cleanup is a no-op.
func (c *LongCollection) Cleanup() {
	if c.state == collCleaned {
		return
	}
	c.state = collCleaned
	if c.leafs != nil {
		c.leafs.Do(func(item llrb.Comparable) bool {
			item.(*longCursor).close()
			return false
		})
		c.leafs = nil
	}
	for _, path := range c.spills {
		removeTempFile(path)
	}
	c.spills = nil
	c.vals = nil
}

type longCursor struct {
	seq  int
	path string
	f    *os.File
	r    io.Reader
	cur  int64
	err  error
}

func newLongCursor(seq int, path string, factory tempStreamFactory) (*longCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &longCursor{seq: seq, path: path, f: f, r: factory.wrapReader(f)}, nil
}

func (s *longCursor) scan() bool {
	var buf [8]byte
	if _, err := io.ReadFull(s.r, buf[:]); err != nil {
		if err != io.EOF {
			s.err = err
		}
		return false
	}
	s.cur = int64(binary.LittleEndian.Uint64(buf[:]))
	return true
}

// Compare orders cursors by peeked value, then serial number.
func (s *longCursor) Compare(b llrb.Comparable) int {
	other := b.(*longCursor)
	if s.cur < other.cur {
		return -1
	}
	if s.cur > other.cur {
		return 1
	}
	return s.seq - other.seq
}

func (s *longCursor) close() {
	if s.f == nil {
		return
	}
	if err := s.f.Close(); err != nil && s.err == nil {
		s.err = err
	}
	s.f = nil
	removeTempFile(s.path)
}
