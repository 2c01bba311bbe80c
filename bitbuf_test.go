package demreader

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bitWriter builds LSB-first bit streams for tests, mirroring the read side.
type bitWriter struct {
	data []byte
	n    uint
}

func (w *bitWriter) writeBit(b bool) {
	if w.n%8 == 0 {
		w.data = append(w.data, 0)
	}
	if b {
		w.data[w.n/8] |= 1 << (w.n % 8)
	}
	w.n++
}

func (w *bitWriter) writeBits(v uint64, width uint) {
	for i := uint(0); i < width; i++ {
		w.writeBit(v>>i&1 == 1)
	}
}

func (w *bitWriter) writeByte(b byte)     { w.writeBits(uint64(b), 8) }
func (w *bitWriter) writeFloat(f float32) { w.writeBits(uint64(math.Float32bits(f)), 32) }
func (w *bitWriter) writeInt32(v int32)   { w.writeBits(uint64(uint32(v)), 32) }

func (w *bitWriter) writeString(s string) {
	for i := 0; i < len(s); i++ {
		w.writeByte(s[i])
	}
	w.writeByte(0)
}

func (w *bitWriter) writeBytes(b []byte) {
	for _, c := range b {
		w.writeByte(c)
	}
}

func (w *bitWriter) bit(i uint) bool { return w.data[i/8]>>(i%8)&1 == 1 }

// appendBits splices another stream in at the current, possibly unaligned,
// position.
func (w *bitWriter) appendBits(other *bitWriter) {
	for i := uint(0); i < other.n; i++ {
		w.writeBit(other.bit(i))
	}
}

func (w *bitWriter) bytes() []byte { return w.data }
func (w *bitWriter) bitLen() uint  { return w.n }

// writeVarUint emits the 4+2 variable bit-int form for values below 16.
func (w *bitWriter) writeVarUint4(v uint32) {
	w.writeBits(uint64(v), 4)
	w.writeBits(0, 2)
}

// Prop index stream helpers, current encoding only.
func writePropInc(w *bitWriter) { w.writeBit(true) }

func writePropDelta(w *bitWriter, delta int) {
	w.writeBit(false) // not an increment
	w.writeBit(false) // long form
	w.writeBits(uint64(delta-1), 7)
}

func writePropIndexEnd(w *bitWriter) {
	w.writeBit(false)
	w.writeBit(false)
	w.writeBits(0x7f, 7)
	w.writeBits(0x7f, 7)
}

func TestUintRoundTrip(t *testing.T) {
	var w bitWriter
	w.writeBits(1, 1)
	w.writeBits(0x2a, 7)
	w.writeBits(0xdead, 16)
	w.writeBits(0xdeadbeef, 32)

	buf := NewBitBuffer(w.bytes())
	v, err := buf.NextUint(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
	v, err = buf.NextUint(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2a), v)
	v, err = buf.NextUint(16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdead), v)
	v, err = buf.NextUint(32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
}

func TestSignedIntIsWidthRelative(t *testing.T) {
	var w bitWriter
	w.writeBits(0b111, 3) // -1 in 3 bits
	w.writeBits(0b100, 3) // -4 in 3 bits
	w.writeBits(0b011, 3) // 3 in 3 bits
	w.writeBits(0x8000, 16)

	buf := NewBitBuffer(w.bytes())
	for _, want := range []int32{-1, -4, 3} {
		v, err := buf.NextSignedInt(3)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	v, err := buf.NextSignedInt(16)
	require.NoError(t, err)
	assert.Equal(t, int32(-32768), v)
}

func TestUnalignedString(t *testing.T) {
	var w bitWriter
	w.writeBits(0b101, 3)
	w.writeString("de_dust2")

	buf := NewBitBuffer(w.bytes())
	_, err := buf.NextUint(3)
	require.NoError(t, err)
	s, err := buf.NextString()
	require.NoError(t, err)
	assert.Equal(t, "de_dust2", s)
}

func TestVarUint(t *testing.T) {
	var w bitWriter
	w.writeVarUint4(13)
	// 20 = 0b10100: low 4 bits, selector 1, 4 extension bits
	w.writeBits(20&0xf, 4)
	w.writeBits(1, 2)
	w.writeBits(20>>4, 4)
	// 777: selector 2, 8 extension bits
	w.writeBits(777&0xf, 4)
	w.writeBits(2, 2)
	w.writeBits(777>>4, 8)
	// 1<<20: selector 3, 28 extension bits
	w.writeBits(0, 4)
	w.writeBits(3, 2)
	w.writeBits(1<<20>>4, 28)

	buf := NewBitBuffer(w.bytes())
	for _, want := range []uint32{13, 20, 777, 1 << 20} {
		v, err := buf.NextVarUint()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestPropIndexStream(t *testing.T) {
	var w bitWriter
	writePropInc(&w)       // -1 -> 0
	writePropInc(&w)       // 0 -> 1
	writePropDelta(&w, 4)  // 1 -> 5
	writePropDelta(&w, 30) // 5 -> 35
	writePropIndexEnd(&w)

	buf := NewBitBuffer(w.bytes())
	index := -1
	var got []int
	for {
		var err error
		index, err = buf.NextPropIndex(index, true)
		require.NoError(t, err)
		if index == -1 {
			break
		}
		got = append(got, index)
	}
	assert.Equal(t, []int{0, 1, 5, 35}, got)
}

func TestPropIndexLegacyEncoding(t *testing.T) {
	var w bitWriter
	w.writeBits(0, 7) // delta 0 -> index 0
	w.writeBits(6, 7) // delta 6 -> index 7
	// end sentinel, long form with both extension selectors set
	w.writeBits(0x7f, 7)
	w.writeBits(0x7f, 7)

	buf := NewBitBuffer(w.bytes())
	index, err := buf.NextPropIndex(-1, false)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	index, err = buf.NextPropIndex(index, false)
	require.NoError(t, err)
	assert.Equal(t, 7, index)
	index, err = buf.NextPropIndex(index, false)
	require.NoError(t, err)
	assert.Equal(t, -1, index)
}

func TestSetUintPatchesInPlace(t *testing.T) {
	var w bitWriter
	w.writeBits(0b101, 3)
	w.writeBits(0x55, 9)
	w.writeBits(0b11, 2)

	buf := NewBitBuffer(w.bytes())
	require.NoError(t, buf.SetUint(3, 9, 0x1ff))

	v, err := buf.GetUint(0, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b101), v, "bits before the span must not change")
	v, err = buf.GetUint(3, 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1ff), v)
	v, err = buf.GetUint(12, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b11), v, "bits after the span must not change")
}

func TestSetUintRejectsOverflow(t *testing.T) {
	buf := NewBitBuffer(make([]byte, 4))
	assert.Error(t, buf.SetUint(0, 3, 8))
	assert.NoError(t, buf.SetUint(0, 3, 7))

	assert.Error(t, buf.SetSignedInt(4, 4, 8))
	assert.Error(t, buf.SetSignedInt(4, 4, -9))
	assert.NoError(t, buf.SetSignedInt(4, 4, -8))
	v, err := buf.GetSignedInt(4, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(-8), v)
}

func TestSetGetRoundTripAllWidths(t *testing.T) {
	buf := NewBitBuffer(make([]byte, 16))
	for width := uint(1); width <= 32; width++ {
		for _, v := range []uint64{0, 1, 1<<width - 1, 1 << (width - 1)} {
			u := uint32(v & (1<<width - 1))
			require.NoError(t, buf.SetUint(7, width, u), "width %d", width)
			got, err := buf.GetUint(7, width)
			require.NoError(t, err)
			assert.Equal(t, u, got, "width %d", width)
		}
		lo := -(int64(1) << (width - 1))
		hi := int64(1)<<(width-1) - 1
		for _, v := range []int64{lo, hi, 0, -1} {
			if v < lo || v > hi {
				continue
			}
			require.NoError(t, buf.SetSignedInt(7, width, int32(v)), "width %d", width)
			got, err := buf.GetSignedInt(7, width)
			require.NoError(t, err)
			assert.Equal(t, int32(v), got, "width %d", width)
		}
	}
}

func TestReadBeyondEnd(t *testing.T) {
	buf := NewBitBuffer([]byte{0xff})
	_, err := buf.GetUint(4, 8)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, buf.SetCursor(9), ErrOutOfRange)
	assert.ErrorIs(t, buf.SetUint(4, 8, 0), ErrOutOfRange)
}

func TestBitSliceCopies(t *testing.T) {
	var w bitWriter
	w.writeBits(0b1, 1)
	w.writeBytes([]byte{0xab, 0xcd})

	buf := NewBitBuffer(w.bytes())
	_, err := buf.NextBit()
	require.NoError(t, err)
	out, err := buf.NextBitSlice(16)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, out)
}
