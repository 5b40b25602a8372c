// Package sorter sorts record streams too large to hold in memory.
// Records accumulate in a RAM buffer; when the buffer fills, a sorted
// run is spilled to a temporary file through a client-supplied codec.
// Iteration merges the spilled runs and any residual buffer back into
// one ordered stream.  A specialization for 64-bit integers and a
// bounded-queue asynchronous writer round out the package.
package sorter

import (
	"io"
)

// Codec serializes records of a single type to and from spill files.
// A codec is a state machine bound to at most one writer or reader at
// a time.  The collection clones the codec once per spill file during
// merge so that the per-file cursors do not share decode state; Clone
// must return an independent codec with no bound streams.
type Codec interface {
	Clone() Codec

	// SetWriter binds the stream Encode writes to.
	SetWriter(w io.Writer)

	// SetReader binds the stream Decode reads from.
	SetReader(r io.Reader)

	// Encode writes one record to the bound writer.
	Encode(v interface{}) error

	// Decode reads the next record from the bound reader.  It
	// returns io.EOF after the last record.
	Decode() (interface{}, error)
}

// LessFunc reports whether a orders before b.  It must define a total
// order over the record type.
type LessFunc func(a, b interface{}) bool
