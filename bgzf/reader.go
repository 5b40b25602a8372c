package bgzf

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/flate"
)

var (
	// ErrNotSeekable is returned by Reader.Seek when the reader was
	// constructed over a source without random access.
	ErrNotSeekable = errors.E("bgzf: underlying stream does not support seeking")

	// ErrTruncated is returned when a block header declares more
	// bytes than the stream holds.  It is distinct from the clean EOF
	// reported when the stream ends between blocks.
	ErrTruncated = errors.E("bgzf: truncated bgzf block")
)

// Reader decompresses a .bgzf stream.  It exposes the concatenated
// uncompressed block payloads as a forward byte stream and, when the
// underlying source is an io.ReadSeeker, supports random access by
// virtual offset.
//
// Reader is not safe for concurrent use.  Close releases internal
// state but does not close the underlying source.
type Reader struct {
	r  io.Reader
	rs io.ReadSeeker // non-nil when r supports random access

	checkCRC bool

	blockAddr int64  // compressed offset of the loaded block
	nextAddr  int64  // compressed offset just past the loaded block
	block     []byte // inflated payload of the loaded block
	off       int    // read position within block
	loaded    bool   // a block (possibly empty) has been loaded
	eof       bool   // the stream ended cleanly between blocks

	header [blockHeaderSize]byte
	cdata  []byte // compressed block scratch
	src    bytes.Reader
	fr     io.ReadCloser // flate reader, reused across blocks
}

// NewReader returns a reader decompressing the .bgzf stream r.  Seek
// works only when r is also an io.ReadSeeker positioned at the start
// of a block.
func NewReader(r io.Reader) *Reader {
	rs, _ := r.(io.ReadSeeker)
	return &Reader{r: r, rs: rs}
}

// SetCheckCRC controls verification of each inflated block against
// the CRC32 in the gzip footer.  Off by default.
func (r *Reader) SetCheckCRC(check bool) {
	r.checkCRC = check
}

// isBGZFHeader reports whether h starts with the fixed 18-byte bgzf
// block header: gzip magic, deflate, FEXTRA set, and a 6-byte extra
// subfield tagged "BC" with a 2-byte payload.
func isBGZFHeader(h []byte) bool {
	return len(h) >= blockHeaderSize &&
		h[0] == 0x1f && h[1] == 0x8b && h[2] == 8 && h[3]&0x04 != 0 &&
		h[10] == 6 && h[11] == 0 &&
		h[12] == 66 && h[13] == 67 && h[14] == 2 && h[15] == 0
}

// IsBGZF reports whether prefix, the first bytes of a stream, look
// like the start of a .bgzf file.  At least blockHeaderSize bytes are
// required for a positive answer.
func IsBGZF(prefix []byte) bool {
	return isBGZFHeader(prefix)
}

// loadBlock reads and inflates the block at the current stream
// position.  A stream ending within the first 18 header bytes is a
// clean EOF; a stream ending inside the declared block body is
// ErrTruncated.
func (r *Reader) loadBlock() error {
	if r.eof {
		return io.EOF
	}
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.eof = true
			return io.EOF
		}
		return err
	}
	if !isBGZFHeader(r.header[:]) {
		return errors.E("bgzf: invalid block header at offset", r.nextAddr)
	}
	blockSize := int(binary.LittleEndian.Uint16(r.header[16:18])) + 1
	if blockSize < blockHeaderSize+blockFooterSize {
		return errors.E("bgzf: implausible block size", blockSize, "at offset", r.nextAddr)
	}
	need := blockSize - blockHeaderSize
	if cap(r.cdata) < need {
		r.cdata = make([]byte, need)
	}
	r.cdata = r.cdata[:need]
	if _, err := io.ReadFull(r.r, r.cdata); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrTruncated
		}
		return err
	}
	payloadLen := need - blockFooterSize
	footerCRC := binary.LittleEndian.Uint32(r.cdata[payloadLen : payloadLen+4])
	isize := binary.LittleEndian.Uint32(r.cdata[payloadLen+4 : need])

	r.src.Reset(r.cdata[:payloadLen])
	if r.fr == nil {
		r.fr = flate.NewReader(&r.src)
	} else if err := r.fr.(flate.Resetter).Reset(&r.src, nil); err != nil {
		return err
	}
	block := make([]byte, isize)
	if isize > 0 {
		if _, err := io.ReadFull(r.fr, block); err != nil {
			return errors.E(err, "bgzf: block at offset", r.nextAddr, "inflates to fewer bytes than ISIZE", isize)
		}
	}
	var extra [1]byte
	if n, _ := r.fr.Read(extra[:]); n != 0 {
		return errors.E("bgzf: block at offset", r.nextAddr, "inflates to more bytes than ISIZE", isize)
	}
	if r.checkCRC {
		if actual := crc32.ChecksumIEEE(block); actual != footerCRC {
			return errors.E("bgzf: CRC mismatch in block at offset", r.nextAddr)
		}
	}
	r.blockAddr = r.nextAddr
	r.nextAddr += int64(blockSize)
	r.block = block
	r.off = 0
	r.loaded = true
	return nil
}

// Read fills p from the uncompressed payload, loading blocks on
// demand.  It returns io.EOF when the stream is exhausted.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for r.off >= len(r.block) {
		if err := r.loadBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.block[r.off:])
	r.off += n
	return n, nil
}

// ReadByte returns the next payload byte.
func (r *Reader) ReadByte() (byte, error) {
	for r.off >= len(r.block) {
		if err := r.loadBlock(); err != nil {
			return 0, err
		}
	}
	b := r.block[r.off]
	r.off++
	return b, nil
}

// Available returns the number of payload bytes remaining in the
// current block, loading the next block when the current one is
// exhausted.  It returns 0 at end of stream.
func (r *Reader) Available() (int, error) {
	for r.off >= len(r.block) {
		if err := r.loadBlock(); err != nil {
			if err == io.EOF {
				return 0, nil
			}
			return 0, err
		}
	}
	return len(r.block) - r.off, nil
}

// peek returns the next payload byte without consuming it.
func (r *Reader) peek() (byte, error) {
	for r.off >= len(r.block) {
		if err := r.loadBlock(); err != nil {
			return 0, err
		}
	}
	return r.block[r.off], nil
}

// ReadLine returns the next line of the payload with its terminator
// stripped.  Lines end at LF, CR, or CRLF; a CR directly followed by
// LF consumes both, even when the LF sits in the following block.  A
// final line without a terminator is returned as-is; io.EOF is
// returned only when no bytes remain.
func (r *Reader) ReadLine() (string, error) {
	var line []byte
	sawAny := false
	for {
		for r.off >= len(r.block) {
			err := r.loadBlock()
			if err == io.EOF {
				if !sawAny {
					return "", io.EOF
				}
				return string(line), nil
			}
			if err != nil {
				return "", err
			}
		}
		sawAny = true
		c := r.block[r.off]
		r.off++
		switch c {
		case '\n':
			return string(line), nil
		case '\r':
			if b, err := r.peek(); err == nil && b == '\n' {
				r.off++
			}
			return string(line), nil
		default:
			line = append(line, c)
		}
	}
}

// Seek positions the reader at the given virtual offset.  The block
// already loaded is reused when the block address matches; otherwise
// the underlying source is repositioned and the block reloaded.  An
// in-block offset beyond the payload length is rejected, except that
// (end of file, 0) is a legal position.
func (r *Reader) Seek(off VOffset) error {
	if r.rs == nil {
		return ErrNotSeekable
	}
	addr := off.BlockAddr()
	if !r.loaded || addr != r.blockAddr {
		if _, err := r.rs.Seek(addr, io.SeekStart); err != nil {
			return err
		}
		r.nextAddr = addr
		r.loaded = false
		r.eof = false
		r.block = nil
		r.off = 0
		if err := r.loadBlock(); err != nil {
			if err == io.EOF {
				if off.BlockOff() == 0 {
					return nil
				}
				return errors.E("bgzf: seek to offset", int(off.BlockOff()), "past end of file")
			}
			return err
		}
	}
	boff := int(off.BlockOff())
	if boff > len(r.block) {
		return errors.E("bgzf: seek offset", boff, "beyond block of length", len(r.block))
	}
	r.off = boff
	return nil
}

// VOffset returns the virtual offset of the next byte Read would
// return.  When the loaded block has been fully consumed, the
// returned offset names the next block's address with offset 0, not
// the consumed block with its length.
func (r *Reader) VOffset() VOffset {
	if r.loaded && r.off < len(r.block) {
		return VOffset(uint64(r.blockAddr)<<addrShift | uint64(r.off))
	}
	return VOffset(uint64(r.nextAddr) << addrShift)
}

// Close releases the reader's internal state.  The underlying source
// is not closed.
func (r *Reader) Close() error {
	r.block = nil
	r.cdata = nil
	if r.fr != nil {
		return r.fr.Close()
	}
	return nil
}

// Termination classifies the tail of a .bgzf file.
type Termination int

const (
	// Defective means the file does not end in a complete bgzf block.
	Defective Termination = iota
	// HasHealthyLastBlock means the terminator is missing but the
	// final block's declared size matches the bytes present.
	HasHealthyLastBlock
	// HasTerminatorBlock means the file ends with the 28-byte empty
	// terminator block.
	HasTerminatorBlock
)

func (t Termination) String() string {
	switch t {
	case Defective:
		return "DEFECTIVE"
	case HasHealthyLastBlock:
		return "HAS_HEALTHY_LAST_BLOCK"
	case HasTerminatorBlock:
		return "HAS_TERMINATOR_BLOCK"
	}
	return "UNKNOWN"
}

// CheckTermination classifies the tail of the .bgzf file in rs.  The
// position of rs afterwards is unspecified.
func CheckTermination(rs io.ReadSeeker) (Termination, error) {
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return Defective, err
	}
	if size < int64(len(terminator)) {
		return Defective, nil
	}
	tailLen := int64(MaxCompressedBlockSize)
	if size < tailLen {
		tailLen = size
	}
	if _, err := rs.Seek(size-tailLen, io.SeekStart); err != nil {
		return Defective, err
	}
	tail := make([]byte, tailLen)
	if _, err := io.ReadFull(rs, tail); err != nil {
		return Defective, err
	}
	if bytes.Equal(tail[tailLen-int64(len(terminator)):], terminator) {
		return HasTerminatorBlock, nil
	}
	// The terminator is absent.  Look for a block header whose
	// declared size reaches exactly to the end of the file.
	for p := int(tailLen) - blockHeaderSize - blockFooterSize; p >= 0; p-- {
		if !isBGZFHeader(tail[p:]) {
			continue
		}
		blockSize := int(binary.LittleEndian.Uint16(tail[p+16:p+18])) + 1
		if p+blockSize == int(tailLen) {
			return HasHealthyLastBlock, nil
		}
	}
	return Defective, nil
}

// CheckTerminationFile classifies the tail of the .bgzf file at path.
func CheckTerminationFile(path string) (Termination, error) {
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return Defective, err
	}
	t, err := CheckTermination(f.Reader(ctx))
	if err2 := f.Close(ctx); err == nil {
		err = err2
	}
	return t, err
}
