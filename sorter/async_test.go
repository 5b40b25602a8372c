package sorter

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSink records everything written to it.
type sliceSink struct {
	items  []interface{}
	closed bool
}

func (s *sliceSink) WriteOne(v interface{}) error {
	s.items = append(s.items, v)
	return nil
}

func (s *sliceSink) Close() error {
	s.closed = true
	return nil
}

// failSink fails every write.
type failSink struct {
	n int // writes attempted
}

func (s *failSink) WriteOne(v interface{}) error {
	s.n++
	return errors.E("sink is broken")
}

func (s *failSink) Close() error { return nil }

func TestAsyncWriterOrder(t *testing.T) {
	sink := &sliceSink{}
	w := NewAsyncWriter("test", sink, 100)
	const n = 100000
	for i := 0; i < n; i++ {
		require.NoError(t, w.Write(i))
	}
	require.NoError(t, w.Close())
	assert.True(t, sink.closed)
	require.Equal(t, n, len(sink.items))
	for i, v := range sink.items {
		require.Equal(t, i, v.(int))
	}
}

func TestAsyncWriterErrorLatch(t *testing.T) {
	sink := &failSink{}
	w := NewAsyncWriter("test", sink, 4)
	require.NoError(t, w.Write(1)) // enqueue succeeds; failure lands later
	err := w.Close()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sink is broken")
	assert.Equal(t, 1, sink.n) // the one enqueued item was attempted once

	// A second Close re-reports the latched error.
	assert.Error(t, w.Close())
}

func TestAsyncWriterCloseError(t *testing.T) {
	w := NewAsyncWriter("test", closeFailSink{}, 1)
	require.NoError(t, w.Write("x"))
	assert.Error(t, w.Close())
}

type closeFailSink struct{}

func (closeFailSink) WriteOne(v interface{}) error { return nil }
func (closeFailSink) Close() error                 { return errors.E("close failed") }
