package demreader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTableEntry(w *bitWriter, name string, userData []byte) {
	w.writeBit(true) // sequential index
	w.writeBit(true) // name present
	w.writeBit(false)
	w.writeString(name)
	if userData == nil {
		w.writeBit(false)
		return
	}
	w.writeBit(true)
	w.writeBits(uint64(len(userData)), maxUserDataBits)
	w.writeBytes(userData)
}

func TestStringTableUpdate(t *testing.T) {
	tbl := newStringTable("downloadables", 64, false, 0)

	var w bitWriter
	writeTableEntry(&w, "maps/de_test.bsp", nil)
	writeTableEntry(&w, "sound/ui/beep.wav", []byte{1, 2, 3})

	require.NoError(t, tbl.parseUpdate(NewBitBuffer(w.bytes()), 2))
	e, ok := tbl.Entry(0)
	require.True(t, ok)
	assert.Equal(t, "maps/de_test.bsp", e.Name)
	e, ok = tbl.Entry(1)
	require.True(t, ok)
	assert.Equal(t, "sound/ui/beep.wav", e.Name)
	assert.Equal(t, []byte{1, 2, 3}, e.UserData)
}

func TestStringTableSubstringCompression(t *testing.T) {
	tbl := newStringTable("modelprecache", 64, false, 0)

	var w bitWriter
	writeTableEntry(&w, "models/props/door", nil)
	// Second entry shares the first 12 characters of the previous name.
	w.writeBit(true)
	w.writeBit(true)
	w.writeBit(true)
	w.writeBits(0, substringIndexBits)
	w.writeBits(12, substringLengthBits)
	w.writeString("/window")
	w.writeBit(false)

	require.NoError(t, tbl.parseUpdate(NewBitBuffer(w.bytes()), 2))
	e, ok := tbl.Entry(1)
	require.True(t, ok)
	assert.Equal(t, "models/props/window", e.Name)
}

func TestStringTableExplicitIndex(t *testing.T) {
	tbl := newStringTable("lightstyles", 64, false, 0)

	var w bitWriter
	w.writeBit(false) // explicit index
	w.writeBits(13, tbl.indexBits)
	w.writeBit(true)
	w.writeBit(false)
	w.writeString("abcz")
	w.writeBit(true)
	w.writeBits(4, maxUserDataBits)
	w.writeBytes([]byte("mmnm"))

	require.NoError(t, tbl.parseUpdate(NewBitBuffer(w.bytes()), 1))
	e, ok := tbl.Entry(13)
	require.True(t, ok)
	assert.Equal(t, "abcz", e.Name)
	assert.Equal(t, LightStyle("mmnm"), e.Value)
}

func TestStringTableMalformedUpdateRollsBack(t *testing.T) {
	tbl := newStringTable("modelprecache", 64, false, 0)

	var w bitWriter
	writeTableEntry(&w, "models/good.mdl", nil)
	require.NoError(t, tbl.parseUpdate(NewBitBuffer(w.bytes()), 1))

	// Compressed name against an unpopulated history slot.
	var bad bitWriter
	bad.writeBit(true)
	bad.writeBit(true)
	bad.writeBit(true)
	bad.writeBits(7, substringIndexBits)
	bad.writeBits(3, substringLengthBits)
	bad.writeString("x")
	bad.writeBit(false)

	err := tbl.parseUpdate(NewBitBuffer(bad.bytes()), 1)
	var de *DesyncError
	require.ErrorAs(t, err, &de)

	// The last-good state survives.
	require.Len(t, tbl.Entries, 1)
	e, _ := tbl.Entry(0)
	assert.Equal(t, "models/good.mdl", e.Name)
}

func TestStringTableIndexOverflow(t *testing.T) {
	tbl := newStringTable("small", 4, false, 0)

	var w bitWriter
	w.writeBit(false)
	w.writeBits(3, tbl.indexBits)
	w.writeBit(true)
	w.writeBit(false)
	w.writeString("last")
	w.writeBit(false)
	// Sequential step past the declared capacity.
	w.writeBit(true)
	w.writeBit(true)
	w.writeBit(false)
	w.writeString("overflow")
	w.writeBit(false)

	err := tbl.parseUpdate(NewBitBuffer(w.bytes()), 2)
	var de *DesyncError
	require.ErrorAs(t, err, &de)
}

func TestPlayerInfoDecoding(t *testing.T) {
	raw := make([]byte, playerInfoNameLen+playerInfoGUIDLen+3+4+4+2)
	copy(raw, "alice")
	copy(raw[playerInfoNameLen:], "STEAM_0:1:23456")
	off := playerInfoNameLen + playerInfoGUIDLen + 3
	binary.LittleEndian.PutUint32(raw[off:], 42)
	binary.LittleEndian.PutUint32(raw[off+4:], 777)
	raw[off+8] = 0 // not a bot
	raw[off+9] = 1 // hltv proxy

	tbl := newStringTable("userinfo", 64, false, 0)
	tbl.setEntry(0, "0", raw)
	e, _ := tbl.Entry(0)
	p, ok := e.Value.(PlayerInfo)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, "STEAM_0:1:23456", p.GUID)
	assert.Equal(t, uint32(42), p.UserID)
	assert.Equal(t, uint32(777), p.FriendsID)
	assert.False(t, p.FakePlayer)
	assert.True(t, p.IsHLTV)
}

func TestPrecacheEntryDecoding(t *testing.T) {
	tbl := newStringTable("modelprecache", 64, true, 2)

	var w bitWriter
	w.writeBit(true)
	w.writeBit(true)
	w.writeBit(false)
	w.writeString("models/props/crate.mdl")
	w.writeBit(true)
	w.writeBits(0b11, 2) // fixed-size payload: fatal-if-missing and preload

	require.NoError(t, tbl.parseUpdate(NewBitBuffer(w.bytes()), 1))
	e, _ := tbl.Entry(0)
	p, ok := e.Value.(PrecacheEntry)
	require.True(t, ok)
	assert.True(t, p.FatalIfMissing)
	assert.True(t, p.Preload)
}

func TestStringTableFullDump(t *testing.T) {
	var w bitWriter
	w.writeByte(1) // one table
	w.writeString("lightstyles")
	w.writeBits(2, 16)
	w.writeString("a")
	w.writeBit(false)
	w.writeString("b")
	w.writeBit(true)
	w.writeBits(1, 16)
	w.writeBytes([]byte("z"))

	set := newStringTableSet()
	require.NoError(t, set.parseFullDump(NewBitBuffer(w.bytes())))
	tbl, ok := set.get("lightstyles")
	require.True(t, ok)
	e, ok := tbl.Entry(1)
	require.True(t, ok)
	assert.Equal(t, "b", e.Name)
	assert.Equal(t, LightStyle("z"), e.Value)
}

func TestStringTableSetDuplicateCreate(t *testing.T) {
	set := newStringTableSet()
	require.NoError(t, set.create(newStringTable("userinfo", 64, false, 0)))
	assert.Error(t, set.create(newStringTable("userinfo", 64, false, 0)))

	tbl, ok := set.byID(0)
	require.True(t, ok)
	assert.Equal(t, "userinfo", tbl.Name)
	_, ok = set.byID(1)
	assert.False(t, ok)
}
