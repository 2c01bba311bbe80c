package demreader

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange is returned when a read or write would touch bits past the
// end of the backing blob.
var ErrOutOfRange = errors.New("bitbuf: access beyond end of buffer")

// propIndexEnd is the reserved sentinel terminating a property index stream.
const propIndexEnd = 0xFFF

// BitBuffer is an addressable, cursor-based reader/writer over a byte blob.
// Bits are ordered least-significant-bit first within each byte. Get*/Set*
// take an absolute bit address and never move the cursor; the Next* variants
// operate at the cursor and advance it. Writes patch the blob in place and
// never grow it.
type BitBuffer struct {
	data   []byte
	cursor uint
}

func NewBitBuffer(data []byte) *BitBuffer {
	return &BitBuffer{data: data}
}

// Bytes returns the backing blob, including any in-place patches.
func (b *BitBuffer) Bytes() []byte { return b.data }

// BitLength is the total addressable size in bits.
func (b *BitBuffer) BitLength() uint { return uint(len(b.data)) * 8 }

func (b *BitBuffer) Cursor() uint { return b.cursor }

func (b *BitBuffer) SetCursor(bit uint) error {
	if bit > b.BitLength() {
		return fmt.Errorf("seek to bit %d: %w", bit, ErrOutOfRange)
	}
	b.cursor = bit
	return nil
}

func (b *BitBuffer) Skip(bits uint) error {
	return b.SetCursor(b.cursor + bits)
}

// BitsRemaining reports how many bits are left between the cursor and the
// end of the blob.
func (b *BitBuffer) BitsRemaining() uint {
	if b.cursor >= b.BitLength() {
		return 0
	}
	return b.BitLength() - b.cursor
}

func (b *BitBuffer) check(addr, width uint) error {
	if addr+width > b.BitLength() {
		return fmt.Errorf("bits [%d,%d): %w", addr, addr+width, ErrOutOfRange)
	}
	return nil
}

func (b *BitBuffer) getUint64(addr, width uint) (uint64, error) {
	if width > 64 {
		return 0, fmt.Errorf("bitbuf: width %d exceeds 64", width)
	}
	if err := b.check(addr, width); err != nil {
		return 0, err
	}
	var v uint64
	var got uint
	for got < width {
		byteIdx := (addr + got) >> 3
		bitOff := (addr + got) & 7
		take := 8 - bitOff
		if take > width-got {
			take = width - got
		}
		chunk := (uint64(b.data[byteIdx]) >> bitOff) & (uint64(1)<<take - 1)
		v |= chunk << got
		got += take
	}
	return v, nil
}

// GetBit reads the single bit at addr.
func (b *BitBuffer) GetBit(addr uint) (bool, error) {
	v, err := b.getUint64(addr, 1)
	return v == 1, err
}

// GetByte reads 8 bits at addr, which need not be byte aligned.
func (b *BitBuffer) GetByte(addr uint) (byte, error) {
	v, err := b.getUint64(addr, 8)
	return byte(v), err
}

// GetUint reads width bits (1..32) at addr as an unsigned integer.
func (b *BitBuffer) GetUint(addr, width uint) (uint32, error) {
	if width == 0 || width > 32 {
		return 0, fmt.Errorf("bitbuf: unsigned width %d out of range 1..32", width)
	}
	v, err := b.getUint64(addr, width)
	return uint32(v), err
}

// GetSignedInt reads width bits at addr as a two's-complement integer
// relative to width, not to a machine word.
func (b *BitBuffer) GetSignedInt(addr, width uint) (int32, error) {
	u, err := b.GetUint(addr, width)
	if err != nil {
		return 0, err
	}
	v := int64(u)
	if u>>(width-1)&1 == 1 {
		v -= int64(1) << width
	}
	return int32(v), nil
}

func (b *BitBuffer) GetFloat(addr uint) (float32, error) {
	u, err := b.GetUint(addr, 32)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

func (b *BitBuffer) GetDouble(addr uint) (float64, error) {
	u, err := b.getUint64(addr, 64)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// GetBitSlice copies width bits starting at addr into a fresh byte slice.
// Trailing bits of the last byte are zero.
func (b *BitBuffer) GetBitSlice(addr, width uint) ([]byte, error) {
	if err := b.check(addr, width); err != nil {
		return nil, err
	}
	out := make([]byte, (width+7)/8)
	var done uint
	for done < width {
		take := width - done
		if take > 8 {
			take = 8
		}
		v, err := b.getUint64(addr+done, take)
		if err != nil {
			return nil, err
		}
		out[done/8] = byte(v)
		done += take
	}
	return out, nil
}

// GetString reads 8-bit characters starting at addr until a NUL terminator.
func (b *BitBuffer) GetString(addr uint) (string, error) {
	s, _, err := b.getString(addr)
	return s, err
}

func (b *BitBuffer) getString(addr uint) (string, uint, error) {
	var out []byte
	pos := addr
	for {
		c, err := b.GetByte(pos)
		if err != nil {
			return "", 0, err
		}
		pos += 8
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out), pos - addr, nil
}

// Cursor-advancing reads.

func (b *BitBuffer) NextBit() (bool, error) {
	v, err := b.GetBit(b.cursor)
	if err == nil {
		b.cursor++
	}
	return v, err
}

func (b *BitBuffer) NextByte() (byte, error) {
	v, err := b.GetByte(b.cursor)
	if err == nil {
		b.cursor += 8
	}
	return v, err
}

func (b *BitBuffer) NextUint(width uint) (uint32, error) {
	v, err := b.GetUint(b.cursor, width)
	if err == nil {
		b.cursor += width
	}
	return v, err
}

func (b *BitBuffer) NextSignedInt(width uint) (int32, error) {
	v, err := b.GetSignedInt(b.cursor, width)
	if err == nil {
		b.cursor += width
	}
	return v, err
}

func (b *BitBuffer) NextFloat() (float32, error) {
	v, err := b.GetFloat(b.cursor)
	if err == nil {
		b.cursor += 32
	}
	return v, err
}

func (b *BitBuffer) NextDouble() (float64, error) {
	v, err := b.GetDouble(b.cursor)
	if err == nil {
		b.cursor += 64
	}
	return v, err
}

func (b *BitBuffer) NextBitSlice(width uint) ([]byte, error) {
	v, err := b.GetBitSlice(b.cursor, width)
	if err == nil {
		b.cursor += width
	}
	return v, err
}

func (b *BitBuffer) NextString() (string, error) {
	s, consumed, err := b.getString(b.cursor)
	if err == nil {
		b.cursor += consumed
	}
	return s, err
}

// NextVarUint reads the variable-width bit-int used for small non-negative
// deltas: 4 value bits, then a 2-bit selector picking 0, 4, 8 or 28
// extension bits.
func (b *BitBuffer) NextVarUint() (uint32, error) {
	v, err := b.NextUint(4)
	if err != nil {
		return 0, err
	}
	sel, err := b.NextUint(2)
	if err != nil {
		return 0, err
	}
	var extra uint
	switch sel {
	case 0:
		return v, nil
	case 1:
		extra = 4
	case 2:
		extra = 8
	case 3:
		extra = 28
	}
	ext, err := b.NextUint(extra)
	if err != nil {
		return 0, err
	}
	return v | ext<<4, nil
}

// NextPropIndex advances a monotonically increasing property index stream.
// Two encodings exist on the wire; newWay selects the current one, the other
// is the legacy scheme. Returns -1 when the stream's end sentinel is read.
func (b *BitBuffer) NextPropIndex(lastIndex int, newWay bool) (int, error) {
	if newWay {
		inc, err := b.NextBit()
		if err != nil {
			return 0, err
		}
		if inc {
			return lastIndex + 1, nil
		}
	}
	var ret uint32
	var err error
	short := false
	if newWay {
		short, err = b.NextBit()
		if err != nil {
			return 0, err
		}
	}
	if short {
		ret, err = b.NextUint(3)
	} else {
		ret, err = b.NextUint(7)
		if err != nil {
			return 0, err
		}
		var ext uint32
		switch ret & (32 | 64) {
		case 32:
			ext, err = b.NextUint(2)
			ret = ret&0x1f | ext<<5
		case 64:
			ext, err = b.NextUint(4)
			ret = ret&0x1f | ext<<5
		case 96:
			ext, err = b.NextUint(7)
			ret = ret&0x1f | ext<<5
		}
	}
	if err != nil {
		return 0, err
	}
	if ret == propIndexEnd {
		return -1, nil
	}
	return lastIndex + 1 + int(ret), nil
}

// In-place writes. The blob never grows; callers are responsible for the
// field already occupying the addressed span.

func (b *BitBuffer) SetBit(addr uint, v bool) error {
	var u uint32
	if v {
		u = 1
	}
	return b.SetUint(addr, 1, u)
}

// SetUint patches width bits (1..32) at addr with v. Bits of v above width
// are rejected rather than silently truncated.
func (b *BitBuffer) SetUint(addr, width uint, v uint32) error {
	if width == 0 || width > 32 {
		return fmt.Errorf("bitbuf: unsigned width %d out of range 1..32", width)
	}
	if width < 32 && uint64(v) >= uint64(1)<<width {
		return fmt.Errorf("bitbuf: value %d does not fit in %d bits", v, width)
	}
	if err := b.check(addr, width); err != nil {
		return err
	}
	var done uint
	for done < width {
		byteIdx := (addr + done) >> 3
		bitOff := (addr + done) & 7
		take := 8 - bitOff
		if take > width-done {
			take = width - done
		}
		mask := byte(1<<take-1) << bitOff
		chunk := byte(v>>done) << bitOff
		b.data[byteIdx] = b.data[byteIdx]&^mask | chunk&mask
		done += take
	}
	return nil
}

// SetSignedInt patches width bits at addr with the two's-complement form of
// v relative to width.
func (b *BitBuffer) SetSignedInt(addr, width uint, v int32) error {
	if width == 0 || width > 32 {
		return fmt.Errorf("bitbuf: signed width %d out of range 1..32", width)
	}
	lo := -(int64(1) << (width - 1))
	hi := int64(1)<<(width-1) - 1
	if int64(v) < lo || int64(v) > hi {
		return fmt.Errorf("bitbuf: value %d does not fit in %d signed bits", v, width)
	}
	u := uint32(v) & uint32(uint64(1)<<width-1)
	if err := b.check(addr, width); err != nil {
		return err
	}
	var done uint
	for done < width {
		byteIdx := (addr + done) >> 3
		bitOff := (addr + done) & 7
		take := 8 - bitOff
		if take > width-done {
			take = width - done
		}
		mask := byte(1<<take-1) << bitOff
		chunk := byte(u>>done) << bitOff
		b.data[byteIdx] = b.data[byteIdx]&^mask | chunk&mask
		done += take
	}
	return nil
}

func (b *BitBuffer) SetFloat(addr uint, v float32) error {
	return b.SetUint(addr, 32, math.Float32bits(v))
}
