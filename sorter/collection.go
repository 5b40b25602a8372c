package sorter

import (
	"io"
	"os"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// Opts controls a Collection.
type Opts struct {
	// MaxInRAM is the number of records buffered in memory before a
	// sorted run is spilled to disk.  Must be at least 1.
	MaxInRAM int

	// TmpDirs lists candidate directories for spill files.  The
	// first directory with enough free space wins; the last is the
	// unconditional fallback.  Empty means the system default.
	TmpDirs []string

	// NoCompressTmpFiles, if false (default), compresses spill files
	// with snappy.
	NoCompressTmpFiles bool
}

type collState int

const (
	collOpen collState = iota
	collSealed
	collCleaned
)

// Collection accumulates records and returns them in sorted order,
// spilling to temporary files when the in-memory buffer overflows.
//
// Lifecycle: Add until done, DoneAdding, Iterator, Cleanup.  Records
// with equal keys come back in arrival order within one spilled run;
// across runs, ties break by run creation order, so the output is
// deterministic for a given input and MaxInRAM.
//
// A Collection is not safe for concurrent use.
//
// Example:
//   c, err := sorter.New(codec, less, sorter.Opts{MaxInRAM: 1 << 20})
//   for _, rec := range recs {
//     err = c.Add(rec)
//   }
//   err = c.DoneAdding()
//   iter, err := c.Iterator()
//   for iter.Scan() {
//     use(iter.Record())
//   }
//   err = iter.Err()
//   err = iter.Close()
//   c.Cleanup()
type Collection struct {
	codec       Codec
	less        LessFunc
	opts        Opts
	factory     tempStreamFactory
	state       collState
	destructive bool
	iterated    bool

	recs      []interface{}
	bufSorted bool
	spills    []string
}

// New creates an empty Collection sorting with less and serializing
// spills with codec.
func New(codec Codec, less LessFunc, opts Opts) (*Collection, error) {
	if codec == nil || less == nil {
		return nil, errors.E("sorter: codec and less must be non-nil")
	}
	if opts.MaxInRAM < 1 {
		return nil, errors.E("sorter: MaxInRAM must be >= 1, not", opts.MaxInRAM)
	}
	return &Collection{
		codec:       codec,
		less:        less,
		opts:        opts,
		factory:     tempStreamFactory{compress: !opts.NoCompressTmpFiles},
		destructive: true,
	}, nil
}

// SetDestructiveIteration controls whether iteration may release
// buffer slots and consume spill files as it goes.  On by default;
// turn it off before iterating to allow repeated passes.
func (c *Collection) SetDestructiveIteration(destructive bool) {
	c.destructive = destructive
}

// Add appends a record.  Calling Add on a sealed or cleaned
// collection is a programming error and halts.
func (c *Collection) Add(v interface{}) error {
	if c.state != collOpen {
		vlog.Fatalf("sorter: Add called after DoneAdding or Cleanup")
	}
	c.recs = append(c.recs, v)
	if len(c.recs) >= c.opts.MaxInRAM {
		return c.spill()
	}
	return nil
}

// DoneAdding seals the collection.  The residual buffer is flushed to
// a final spill only when spills already exist; otherwise it is kept
// for in-memory iteration.  Calling DoneAdding again is a no-op.
func (c *Collection) DoneAdding() error {
	switch c.state {
	case collCleaned:
		vlog.Fatalf("sorter: DoneAdding called after Cleanup")
	case collSealed:
		return nil
	}
	c.state = collSealed
	if len(c.spills) > 0 && len(c.recs) > 0 {
		return c.spill()
	}
	return nil
}

// spill sorts the buffer and writes it through the codec into a new
// temporary file.
func (c *Collection) spill() error {
	sort.SliceStable(c.recs, func(i, j int) bool {
		return c.less(c.recs[i], c.recs[j])
	})
	f, err := newTempFile(c.opts.TmpDirs, "sortspill")
	if err != nil {
		return err
	}
	vlog.VI(1).Infof("sorter: spilling %d records to %v", len(c.recs), f.Name())
	w := c.factory.wrapWriter(f)
	c.codec.SetWriter(w)
	for _, rec := range c.recs {
		if err = c.codec.Encode(rec); err != nil {
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
		// The file stays registered for teardown removal.
		return err
	}
	c.spills = append(c.spills, f.Name())
	c.recs = c.recs[:0]
	return nil
}

// Iterator returns a cursor over the collection in sort order.  An
// open collection is sealed first.  With destructive iteration (the
// default) only a single pass is allowed.
func (c *Collection) Iterator() (Iterator, error) {
	if c.state == collCleaned {
		vlog.Fatalf("sorter: Iterator called after Cleanup")
	}
	if c.state == collOpen {
		if err := c.DoneAdding(); err != nil {
			return nil, err
		}
	}
	if c.iterated && c.destructive {
		vlog.Fatalf("sorter: a destructive iteration was already taken")
	}
	c.iterated = true
	if len(c.spills) == 0 {
		if !c.bufSorted {
			sort.SliceStable(c.recs, func(i, j int) bool {
				return c.less(c.recs[i], c.recs[j])
			})
			c.bufSorted = true
		}
		return &memIterator{c: c}, nil
	}

	leafs := &llrb.Tree{}
	cursors := make([]*spillCursor, 0, len(c.spills))
	for seq, path := range c.spills {
		cur, err := newSpillCursor(seq, path, c.codec.Clone(), c.less, c.factory, c.destructive)
		if err == nil && !cur.scan() {
			err = cur.err
			cur.close()
			cur = nil
		}
		if err != nil {
			for _, open := range cursors {
				open.close()
			}
			return nil, err
		}
		if cur != nil {
			cursors = append(cursors, cur)
			leafs.Insert(cur)
		}
	}
	return &mergeIterator{leafs: leafs}, nil
}

// Cleanup removes all temporary files.  Further Add, DoneAdding, or
// Iterator calls halt; a second Cleanup is a no-op.
func (c *Collection) Cleanup() {
	if c.state == collCleaned {
		return
	}
	c.state = collCleaned
	for _, path := range c.spills {
		removeTempFile(path)
	}
	c.spills = nil
	c.recs = nil
}

// Iterator is a stateful cursor over a sorted collection, in the
// scan/record idiom.
type Iterator interface {
	// Scan advances to the next record, returning false at the end
	// of the collection or on error.
	Scan() bool

	// Record returns the record Scan advanced to.
	Record() interface{}

	// Err returns the first error encountered, if any.
	Err() error

	// Close releases the iterator's cursors.  It is safe to call
	// after a completed scan.
	Close() error
}

type memIterator struct {
	c   *Collection
	idx int
	cur interface{}
}

func (it *memIterator) Scan() bool {
	if it.idx >= len(it.c.recs) {
		return false
	}
	it.cur = it.c.recs[it.idx]
	if it.c.destructive {
		it.c.recs[it.idx] = nil
	}
	it.idx++
	return true
}

func (it *memIterator) Record() interface{} { return it.cur }
func (it *memIterator) Err() error          { return nil }
func (it *memIterator) Close() error        { return nil }

// spillCursor is a peeking cursor over one spill file: cur holds the
// next record without advancing the merge.  seq is the serial number
// assigned in spill-creation order; it breaks ties between equal keys
// from different files.
type spillCursor struct {
	seq           int
	path          string
	f             *os.File
	codec         Codec
	less          LessFunc
	cur           interface{}
	err           error
	removeOnClose bool
	closed        bool
}

func newSpillCursor(seq int, path string, codec Codec, less LessFunc,
	factory tempStreamFactory, removeOnClose bool) (*spillCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	codec.SetReader(factory.wrapReader(f))
	return &spillCursor{
		seq:           seq,
		path:          path,
		f:             f,
		codec:         codec,
		less:          less,
		removeOnClose: removeOnClose,
	}, nil
}

func (s *spillCursor) scan() bool {
	v, err := s.codec.Decode()
	if err == io.EOF {
		return false
	}
	if err != nil {
		s.err = err
		return false
	}
	s.cur = v
	return true
}

func (s *spillCursor) close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.f.Close(); err != nil && s.err == nil {
		s.err = err
	}
	if s.removeOnClose {
		removeTempFile(s.path)
	}
}

// Compare orders cursors by their peeked record, then by serial
// number, which keeps the merge deterministic on equal keys.
func (s *spillCursor) Compare(b llrb.Comparable) int {
	other := b.(*spillCursor)
	if s.less(s.cur, other.cur) {
		return -1
	}
	if s.less(other.cur, s.cur) {
		return 1
	}
	return s.seq - other.seq
}

// mergeIterator drives a k-way merge over the spill cursors.  The
// llrb tree keeps the cursor with the smallest peeked record at the
// minimum; each Scan emits it, advances that cursor, and reinserts it
// unless exhausted.
type mergeIterator struct {
	leafs *llrb.Tree
	cur   interface{}
	err   error
}

func (m *mergeIterator) Scan() bool {
	if m.err != nil || m.leafs.Len() == 0 {
		return false
	}
	top := m.leafs.Min().(*spillCursor)
	m.cur = top.cur
	m.leafs.DeleteMin()
	if top.scan() {
		m.leafs.Insert(top)
	} else {
		top.close()
		if top.err != nil {
			m.err = top.err
		}
	}
	return true
}

func (m *mergeIterator) Record() interface{} { return m.cur }
func (m *mergeIterator) Err() error          { return m.err }

func (m *mergeIterator) Close() error {
	var cursors []*spillCursor
	m.leafs.Do(func(item llrb.Comparable) bool {
		cursors = append(cursors, item.(*spillCursor))
		return false
	})
	for _, cur := range cursors {
		cur.close()
		if cur.err != nil && m.err == nil {
			m.err = cur.err
		}
	}
	*m.leafs = llrb.Tree{}
	return m.err
}
