// Package bgzf reads and writes the .bgzf (block gzipped) file
// format.  A .bgzf file consists of one or more complete gzip blocks
// concatenated together.  Each of the gzip blocks represents at most
// 64KB of uncompressed data, and the compressed size of the block
// must be at most 64KB.  The payload of the .bgzf file is equal to
// the uncompressed content of each block, concatenated together in
// order.  A valid .bgzf file ends with the 28 byte .bgzf terminator
// shown below; the terminator is a valid gzip block containing an
// empty payload.
//
// Because each block records its own compressed size in a gzip extra
// subfield, a reader can jump to any (block, offset) pair captured
// earlier without scanning the file.  Such a pair is packed into a
// 64-bit VOffset.
//
// The .bgzf format is used by .bam files and Illumina .bcl.bgzf files
// from Nextseq instruments.
//
// For more information about the .bgzf file format, see the SAM/BAM
// spec here: https://samtools.github.io/hts-specs/SAMv1.pdf
//
// Example use:
//   var bgzfFile bytes.Buffer
//   w, err := NewWriter(&bgzfFile, flate.DefaultCompression)
//   n, err := w.Write([]byte("Foo bar"))
//   err = w.Close()
//
// Example use with multiple compression shards:
//   // In goroutine 1
//   var shard1 bytes.Buffer
//   w, err := NewWriter(&shard1, flate.DefaultCompression)
//   n, err := w.Write([]byte("Foo bar"))
//   err = w.CloseWithoutTerminator()
//
//   // In goroutine 2
//   var shard2 bytes.Buffer
//   w, err := NewWriter(&shard2, flate.DefaultCompression)
//   n, err := w.Write([]byte(" baz!"))
//   err = w.Close()  // Terminator goes at the end of the last shard.
//
//   // Merge shards into final .bgzfFile.
//   var bgzfFile bytes.Buffer
//   _, err := io.Copy(&bgzfFile, &shard1)
//   _, err = io.Copy(&bgzfFile, &shard2)
package bgzf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"v.io/x/lib/vlog"
)

const (
	// DefaultUncompressedBlockSize is the default bgzf
	// uncompressedBlockSize chosen by both sambamba and biogo.  It
	// leaves enough headroom that even incompressible input deflates
	// into a legal block.  See the SAM/BAM specification for details.
	DefaultUncompressedBlockSize = 0x0ff00

	// MaxUncompressedBlockSize is the largest legal value for
	// uncompressedBlockSize.  Illumina's Nextseq machines use this
	// value when creating .bcl.bgzf files.
	MaxUncompressedBlockSize = 0x10000

	// MaxCompressedBlockSize is the maximum size of the compressed
	// data for a bgzf block, including the gzip header and footer.
	MaxCompressedBlockSize = 0x10000

	// sizes of the fixed parts of a bgzf gzip member.
	blockHeaderSize = 18
	blockFooterSize = 8

	// offset of the Extra subfield within the gzip header.
	extraOffset = 12
	// offset of the XFL byte within the gzip header.
	xflOffset = 8
)

var (
	// bgzfExtra goes into the gzip's Extra subfield, with subfield ids
	// 66, 67 and length 2.  The two trailing bytes are overwritten
	// with the compressed block size - 1.  See the SAM/BAM spec.
	bgzfExtra       = [...]byte{66, 67, 2, 0, 0, 0}
	bgzfExtraPrefix = [...]byte{66, 67, 2, 0}

	// terminator is the bgzf EOF terminator.  It belongs at the end
	// of a valid bgzf file.  See the SAM/BAM spec.
	terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// gzipFactory creates one gzip member per bgzf block, reusing a
// single gzip.Writer across blocks via Reset.  Reset clears the
// header, so the bgzf Extra subfield is reinstalled on every create.
type gzipFactory struct {
	level    int
	gzWriter *gzip.Writer
}

func (c *gzipFactory) create(w io.Writer) (io.WriteCloser, error) {
	if c.gzWriter == nil {
		var err error
		c.gzWriter, err = gzip.NewWriterLevel(w, c.level)
		if err != nil {
			return nil, err
		}
	} else {
		c.gzWriter.Reset(w)
	}
	c.gzWriter.Header.Extra = make([]byte, len(bgzfExtra))
	copy(c.gzWriter.Header.Extra, bgzfExtra[:])
	c.gzWriter.Header.OS = 0xff // Unknown OS value
	return c.gzWriter, nil
}

// Writer compresses data into .bgzf format.  Writes are buffered
// until a full uncompressed block has accumulated, then the block is
// deflated into one gzip member and flushed to the underlying writer.
// Close emits any partial final block followed by the bgzf
// terminator.
type Writer struct {
	factory          *gzipFactory
	uncompressedSize int
	xfl              int
	w                io.Writer
	original         bytes.Buffer
	compressed       bytes.Buffer
	coffset          int64 // starting file position of the current gzip block
}

// NewWriter returns a new .bgzf writer with the given compression
// level.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	return NewWriterParams(w, level, DefaultUncompressedBlockSize, -1)
}

// NewWriterParams returns a new .bgzf writer with the given
// configuration parameters.  uncompressedBlockSize is the largest
// number of bytes to put into each .bgzf block.  gzipXFL will be
// written to the XFL gzip header field for each of the gzip blocks in
// the output; if gzipXFL is -1, the value chosen by the compressor is
// kept.
func NewWriterParams(w io.Writer, level, uncompressedBlockSize, gzipXFL int) (*Writer, error) {
	if uncompressedBlockSize <= 0 || uncompressedBlockSize > MaxUncompressedBlockSize {
		return nil, fmt.Errorf("bgzf: uncompressedBlockSize %d out of range (0, %d]",
			uncompressedBlockSize, MaxUncompressedBlockSize)
	}
	if gzipXFL != -1 && (gzipXFL < 0 || gzipXFL > 255) {
		return nil, fmt.Errorf("bgzf: gzipXFL must be -1 or in [0:255], not %d", gzipXFL)
	}
	return &Writer{
		factory:          &gzipFactory{level: level},
		uncompressedSize: uncompressedBlockSize,
		xfl:              gzipXFL,
		w:                w,
	}, nil
}

// Write appends buf to the .bgzf payload.  Returns the number of
// bytes consumed from buf and any error encountered.
func (w *Writer) Write(buf []byte) (int, error) {
	for i := 0; i < len(buf); {
		// Write one block at a time to avoid creating an entire copy
		// of the input buf.
		end := len(buf)

		// Account for straggler bytes left over from the previous
		// Write operation.
		limit := i + w.uncompressedSize - w.original.Len()
		if limit < end {
			end = limit
		}
		n, _ := w.original.Write(buf[i:end])
		i += n
		if err := w.compressPending(false); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Flush compresses and writes out any partially accumulated block.
// The next written byte starts a new block.
func (w *Writer) Flush() error {
	return w.compressPending(true)
}

// CloseWithoutTerminator closes the current .bgzf block, but does not
// append the .bgzf terminator.  The output is not a complete .bgzf
// file until the terminator is written.
func (w *Writer) CloseWithoutTerminator() error {
	return w.compressPending(true)
}

// Close closes the current .bgzf block and appends the .bgzf
// terminator.
func (w *Writer) Close() error {
	if err := w.CloseWithoutTerminator(); err != nil {
		return err
	}
	_, err := w.w.Write(terminator)
	return err
}

// VOffset returns the virtual offset of the next byte to be written.
// The returned value stays valid for the life of the file: the block
// address is the address of the block as ultimately written.
func (w *Writer) VOffset() VOffset {
	return VOffset(uint64(w.coffset)<<addrShift | uint64(w.original.Len()))
}

// compressPending removes a block from w.original, compresses the
// block, and appends the compressed block to the output.
func (w *Writer) compressPending(compressRemainder bool) error {
	for w.original.Len() >= w.uncompressedSize || (compressRemainder && w.original.Len() > 0) {
		// Recreate gzip to start a new block.
		zw, err := w.factory.create(&w.compressed)
		if err != nil {
			return err
		}

		// Compress one block.
		if w.original.Len() > 0 {
			if _, err := zw.Write(w.original.Next(w.uncompressedSize)); err != nil {
				return err
			}
		}
		if err := zw.Close(); err != nil {
			return err
		}

		// Edit the gzip header where necessary.
		b := w.compressed.Bytes()

		// Replace XFL value if configured.
		if w.xfl >= 0 {
			b[xflOffset] = byte(w.xfl)
		}

		// Replace bgzf BSIZE header with compressed length - 1.
		bsize := w.compressed.Len() - 1
		if bsize >= MaxCompressedBlockSize {
			return fmt.Errorf("bgzf: compressed block is too big: %d > %d", bsize,
				MaxCompressedBlockSize)
		}
		if w.compressed.Len() < extraOffset+len(bgzfExtra) {
			vlog.Fatalf("compressed length is too short: %d < %d", w.compressed.Len(),
				extraOffset+len(bgzfExtra))
		}
		if !bytes.Equal(b[extraOffset:extraOffset+len(bgzfExtraPrefix)], bgzfExtraPrefix[:]) {
			vlog.Fatalf("could not find bgzf extra prefix")
		}
		b[extraOffset+4] = byte(bsize)
		b[extraOffset+5] = byte(bsize >> 8)

		// Write out the compressed block.
		sz := w.compressed.Len()
		if _, err := w.compressed.WriteTo(w.w); err != nil {
			return err
		}
		w.coffset += int64(sz)
	}
	return nil
}
