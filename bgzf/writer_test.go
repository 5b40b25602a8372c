package bgzf

import (
	"bytes"
	"io/ioutil"
	"math/rand"
	"os"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	// Create random bytes.
	for _, length := range []int{0, 1, 100, 65279, 65280, 65281, 500000} {
		t.Logf("length: %d", length)
		for _, useParams := range []bool{false, true} {
			input := make([]byte, length)
			n, err := rand.Read(input)
			require.Nil(t, err)
			assert.Equal(t, length, n)

			// Write bgzf
			var buf bytes.Buffer
			var w *Writer
			if useParams {
				w, err = NewWriterParams(&buf, 1, 0x0ff05, 3)
			} else {
				w, err = NewWriter(&buf, 1)
			}
			require.Nil(t, err)
			n, err = w.Write(input)
			assert.Nil(t, err)
			assert.Equal(t, length, n)
			err = w.Close()
			assert.Nil(t, err)

			// Verify output
			if useParams && length > 0 {
				// The XFL field is set in all gzip headers, except
				// for the bgzf terminator (which is a legal gzip
				// block containing zero compressed bytes).
				bufBytes := buf.Bytes()
				assert.Equal(t, byte(3), bufBytes[8], "length %d", len(bufBytes))
			}
			r, err := gzip.NewReader(&buf)
			require.Nil(t, err)
			actual, err := ioutil.ReadAll(r)
			require.Nil(t, err)
			assert.Equal(t, length, len(actual))
			assert.Equal(t, 0, bytes.Compare(input, actual))
		}
	}
}

func TestWriterVOffset(t *testing.T) {
	// Set bgzf block size to 5.
	var buf bytes.Buffer
	w, err := NewWriterParams(&buf, 1, 5, -1)
	require.Nil(t, err)

	// Write 4 bytes, should not cause block completion, so the
	// voffset should be (0, 4).
	_, err = w.Write([]byte("ABCD"))
	require.Nil(t, err)
	assert.Equal(t, VOffset(4), w.VOffset())

	// Write 1 byte, should cause block completion, so the voffset
	// should be (non-zero, 0).
	_, err = w.Write([]byte("E"))
	require.Nil(t, err)
	voffset1 := w.VOffset()
	assert.Equal(t, uint16(0), voffset1.BlockOff())
	assert.NotEqual(t, int64(0), voffset1.BlockAddr())

	// Write 1 byte, should not cause block completion.  The block
	// address should be the same, and the block offset should be 1.
	_, err = w.Write([]byte("F"))
	require.Nil(t, err)
	voffset2 := w.VOffset()
	assert.Equal(t, uint16(1), voffset2.BlockOff())
	assert.Equal(t, voffset1.BlockAddr(), voffset2.BlockAddr())
}

func TestWriterFlush(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 1)
	require.Nil(t, err)
	_, err = w.Write([]byte("hello"))
	require.Nil(t, err)
	require.Nil(t, w.Flush())

	// Flush closes the current block, so the next byte lands at the
	// start of a new block.
	v := w.VOffset()
	assert.Equal(t, uint16(0), v.BlockOff())
	assert.NotEqual(t, int64(0), v.BlockAddr())
	_, err = w.Write([]byte(" world"))
	require.Nil(t, err)
	require.Nil(t, w.Close())

	r := NewReader(bytes.NewReader(buf.Bytes()))
	got, err := ioutil.ReadAll(r)
	require.Nil(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestWriterTerminator(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 1)
	require.Nil(t, err)
	_, err = w.Write([]byte("payload"))
	require.Nil(t, err)
	require.Nil(t, w.Close())
	assert.True(t, bytes.HasSuffix(buf.Bytes(), terminator))

	// CloseWithoutTerminator leaves the terminator off.
	var partial bytes.Buffer
	w, err = NewWriter(&partial, 1)
	require.Nil(t, err)
	_, err = w.Write([]byte("payload"))
	require.Nil(t, err)
	require.Nil(t, w.CloseWithoutTerminator())
	assert.False(t, bytes.HasSuffix(partial.Bytes(), terminator))
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
