package demreader

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestHeader() []byte {
	h := make([]byte, headerSize)
	copy(h, headerSignature)
	le := binary.LittleEndian
	le.PutUint32(h[8:], 4)   // demo protocol
	le.PutUint32(h[12:], 24) // network protocol
	copy(h[16:], "localhost:27015")
	copy(h[16+headerNameLen:], "pov")
	copy(h[16+2*headerNameLen:], "de_test")
	off := 16 + 3*headerNameLen
	le.PutUint32(h[off:], math.Float32bits(12.5))
	le.PutUint32(h[off+4:], 800)
	le.PutUint32(h[off+8:], 400)
	le.PutUint32(h[off+12:], 0)
	return h
}

func writeCmdInfoBlock(w *bitWriter) {
	for slot := 0; slot < maxSplitSlots; slot++ {
		w.writeInt32(0)
		for i := 0; i < 18; i++ {
			w.writeFloat(0)
		}
	}
}

// writeTopMessage frames a top-level message: type byte, tick, cmdinfo and
// sequence block for packet-shaped messages, then the size-prefixed body.
func writeTopMessage(w *bitWriter, t demType, tick int32, body []byte) {
	w.writeByte(byte(t))
	w.writeInt32(tick)
	if t == demStop {
		return
	}
	if t == demSignon || t == demPacket {
		writeCmdInfoBlock(w)
		w.writeInt32(0)
		w.writeInt32(0)
	}
	w.writeInt32(int32(len(body)))
	w.writeBytes(body)
}

func buildBaselineBlob() []byte {
	var bw bitWriter
	bw.writeBit(true)      // current index encoding
	writePropDelta(&bw, 2) // flat index 1, m_iArmor
	writePropIndexEnd(&bw)
	bw.writeBits(42, 8)
	return bw.bytes()
}

func buildSignonBody() []byte {
	var b bitWriter

	b.writeBits(uint64(netSetConVar), netMsgTypeBits)
	b.writeByte(1)
	b.writeString("sv_cheats")
	b.writeString("1")

	b.writeBits(uint64(netTick), netMsgTypeBits)
	b.writeInt32(100)
	b.writeBits(0, 32) // frametime fields

	baseline := buildBaselineBlob()
	var upd bitWriter
	upd.writeBit(true)
	upd.writeBit(true)
	upd.writeBit(false)
	upd.writeString("0")
	upd.writeBit(true)
	upd.writeBits(uint64(len(baseline)), maxUserDataBits)
	upd.writeBytes(baseline)

	b.writeBits(uint64(svcCreateStringTable), netMsgTypeBits)
	b.writeString(instanceBaselineTable)
	b.writeBits(8, 16)                    // capacity
	b.writeBits(1, bitsForCount(8))       // entries in this message
	b.writeBits(uint64(upd.bitLen()), 20) // body length
	b.writeBit(false)                     // variable-size payloads
	b.appendBits(&upd)

	return b.bytes()
}

func buildPacketBody() []byte {
	var ent bitWriter
	writeEnter(&ent, 0, 7, map[int]uint32{0: 100})

	var b bitWriter
	b.writeBits(uint64(svcPacketEntities), netMsgTypeBits)
	b.writeBits(2, maxEntityBits) // max entries
	b.writeBit(false)             // full snapshot
	b.writeBit(false)             // no forced baseline
	b.writeBits(1, maxEntityBits) // updated entries
	b.writeBits(uint64(ent.bitLen()), 20)
	b.writeBit(false) // no baseline swap
	b.appendBits(&ent)
	return b.bytes()
}

func buildTestDemo(t *testing.T) []byte {
	t.Helper()
	var schema bitWriter
	buildPlayerSchema(&schema)

	var w bitWriter
	w.writeBytes(buildTestHeader())
	writeTopMessage(&w, demDataTables, 0, schema.bytes())
	writeTopMessage(&w, demSignon, 0, buildSignonBody())
	writeTopMessage(&w, demPacket, 100, buildPacketBody())
	writeTopMessage(&w, demStop, 800, nil)
	return w.bytes()
}

func TestSessionEndToEnd(t *testing.T) {
	var ticks []int
	var warnings []Warning
	finished := false

	s, err := NewSession(buildTestDemo(t), WithHooks(Hooks{
		OnTick:     func(_ *Session, tick int) bool { ticks = append(ticks, tick); return false },
		OnWarning:  func(w Warning) { warnings = append(warnings, w) },
		OnFinished: func(ok bool) { finished = ok },
	}))
	require.NoError(t, err)

	assert.Equal(t, "de_test", s.Header().MapName)
	assert.Equal(t, int32(800), s.Header().PlaybackTicks)

	require.NoError(t, s.Parse(context.Background()))
	assert.True(t, finished)
	assert.Empty(t, warnings)
	assert.Equal(t, []int{0, 100, 800}, ticks)

	v, ok := s.Convar("sv_cheats")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	ent, ok := s.Entities().Entity(0)
	require.True(t, ok)
	assert.Equal(t, 7, ent.Serial)
	pv, ok := ent.Property("m_iHealth")
	require.True(t, ok)
	assert.Equal(t, uint32(100), pv.Value)
	pv, ok = ent.Property("m_iArmor")
	require.True(t, ok, "baseline from the string table applies on enter")
	assert.Equal(t, uint32(42), pv.Value)

	// A second Parse on the same session is rejected.
	assert.Error(t, s.Parse(context.Background()))
}

func TestSessionRewriteRoundTrip(t *testing.T) {
	s, err := NewSession(buildTestDemo(t))
	require.NoError(t, err)
	require.NoError(t, s.Parse(context.Background()))

	before := s.Fingerprint()
	ent, _ := s.Entities().Entity(0)
	require.NoError(t, ent.SetProperty("m_iHealth", 77))
	assert.NotEqual(t, before, s.Fingerprint())

	// The patched blob is a valid demo carrying the new value.
	s2, err := NewSession(s.Bytes())
	require.NoError(t, err)
	require.NoError(t, s2.Parse(context.Background()))
	ent2, _ := s2.Entities().Entity(0)
	pv, _ := ent2.Property("m_iHealth")
	assert.Equal(t, uint32(77), pv.Value)
}

func TestSessionHookStop(t *testing.T) {
	finishedOK := true
	s, err := NewSession(buildTestDemo(t), WithHooks(Hooks{
		OnTick:     func(_ *Session, _ int) bool { return true },
		OnFinished: func(ok bool) { finishedOK = ok },
	}))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Parse(context.Background()), ErrStopped)
	assert.False(t, finishedOK)
}

func TestSessionContextCancel(t *testing.T) {
	s, err := NewSession(buildTestDemo(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Parse(ctx), context.Canceled)
}

func TestSessionRejectsBadSignature(t *testing.T) {
	data := buildTestDemo(t)
	data[0] = 'X'
	_, err := NewSession(data)
	assert.Error(t, err)
}

func TestSessionTrace(t *testing.T) {
	s, err := NewSession(buildTestDemo(t), WithTrace())
	require.NoError(t, err)
	require.NoError(t, s.Parse(context.Background()))

	frames := s.Trace()
	require.Len(t, frames, 4)
	assert.Equal(t, "datatables", frames[0].Type)
	assert.Equal(t, "signon", frames[1].Type)
	assert.Equal(t, "packet", frames[2].Type)
	assert.Equal(t, "stop", frames[3].Type)

	var subTypes []string
	for _, m := range frames[1].Messages {
		subTypes = append(subTypes, m.Type)
	}
	assert.Contains(t, subTypes, "net_setconvar")
	assert.Contains(t, subTypes, "svc_createstringtable")
}

func TestDecodeUserCmd(t *testing.T) {
	var w bitWriter
	w.writeBit(true)
	w.writeBits(5, 32) // command number
	w.writeBit(true)
	w.writeBits(1000, 32) // tick count
	w.writeBit(true)
	w.writeFloat(90) // pitch
	w.writeBit(false)
	w.writeBit(false)
	w.writeBit(true)
	w.writeFloat(250) // forward move
	w.writeBit(false)
	w.writeBit(false)
	w.writeBit(true)
	w.writeBits(3, 32) // buttons
	w.writeBit(false)
	w.writeBit(true)
	w.writeBits(42, maxEntityBits) // weapon select
	w.writeBit(false)              // no subtype
	w.writeBit(true)
	w.writeBits(uint64(uint32(0xfffb)), 16) // mouse dx -5
	w.writeBit(false)

	buf := NewBitBuffer(w.bytes())
	uc, err := decodeUserCmd(buf, buf.BitLength())
	require.NoError(t, err)
	assert.Equal(t, uint32(5), uc.CommandNumber)
	assert.Equal(t, uint32(1000), uc.TickCount)
	assert.InDelta(t, 90, uc.ViewAngles.X, 1e-6)
	assert.InDelta(t, 250, uc.ForwardMove, 1e-6)
	assert.Equal(t, uint32(3), uc.Buttons)
	assert.Equal(t, 42, uc.WeaponSelect)
	assert.Equal(t, int16(-5), uc.MouseDX)
	assert.Equal(t, int16(0), uc.MouseDY)
}
