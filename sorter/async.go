package sorter

import (
	"sync"

	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// defaultAsyncQueueSize bounds the queue between producer and worker
// when the caller does not choose a size.
const defaultAsyncQueueSize = 2000

// Sink consumes items one at a time, synchronously.
type Sink interface {
	// WriteOne writes a single item.
	WriteOne(v interface{}) error

	// Close flushes and releases the sink.
	Close() error
}

// AsyncWriter decouples a fast producer from a slower Sink.  Items
// enqueue on the caller's goroutine and a single background worker
// drains them into the sink in order.  The first worker error is
// latched and returned from the next Write or from Close; items
// enqueued after a failure are dropped.
//
// Write and Close must be called from a single goroutine.
type AsyncWriter struct {
	name   string
	sink   Sink
	ch     chan interface{}
	err    errors.Once
	wg     sync.WaitGroup
	closed bool
}

// NewAsyncWriter starts a background worker writing to sink.  name
// prefixes the worker's log messages.  queueSize bounds the number of
// items in flight; values below 1 select the default.
func NewAsyncWriter(name string, sink Sink, queueSize int) *AsyncWriter {
	if queueSize < 1 {
		queueSize = defaultAsyncQueueSize
	}
	w := &AsyncWriter{
		name: name,
		sink: sink,
		ch:   make(chan interface{}, queueSize),
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

func (w *AsyncWriter) drain() {
	defer w.wg.Done()
	for v := range w.ch {
		if w.err.Err() != nil {
			continue // drop the backlog after the first failure
		}
		if err := w.sink.WriteOne(v); err != nil {
			vlog.Errorf("%s: async write: %v", w.name, err)
			w.err.Set(errors.E(err, w.name, "async write"))
		}
	}
}

// Write enqueues one item, blocking when the queue is full.  It
// returns any error latched by the worker since the previous call.
func (w *AsyncWriter) Write(v interface{}) error {
	if w.closed {
		vlog.Fatalf("%s: Write after Close", w.name)
	}
	if err := w.err.Err(); err != nil {
		return err
	}
	w.ch <- v
	return nil
}

// Close drains the queue, joins the worker, and closes the sink.  A
// second Close returns the latched error without further effect.
func (w *AsyncWriter) Close() error {
	if w.closed {
		return w.err.Err()
	}
	w.closed = true
	close(w.ch)
	w.wg.Wait()
	w.err.Set(w.sink.Close())
	return w.err.Err()
}
