package demreader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	headerSignature = "HL2DEMO\x00"
	headerNameLen   = 260
	headerSize      = len(headerSignature) + 2*4 + 3*headerNameLen + 4*4
)

// Header is the fixed-layout block at the start of every demo file.
type Header struct {
	DemoProtocol    int32
	NetworkProtocol int32
	ServerName      string
	ClientName      string
	MapName         string
	PlaybackTime    float32
	PlaybackTicks   int32
	PlaybackFrames  int32
	SignonLength    int32
}

func parseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < headerSize {
		return h, fmt.Errorf("demo shorter than header: %d bytes", len(data))
	}
	if string(data[:len(headerSignature)]) != headerSignature {
		return h, fmt.Errorf("bad demo signature %q", data[:len(headerSignature)])
	}
	off := len(headerSignature)
	readInt := func() int32 {
		v := int32(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		return v
	}
	readName := func() string {
		raw := data[off : off+headerNameLen]
		off += headerNameLen
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		return string(raw)
	}
	h.DemoProtocol = readInt()
	h.NetworkProtocol = readInt()
	h.ServerName = readName()
	h.ClientName = readName()
	h.MapName = readName()
	h.PlaybackTime = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	h.PlaybackTicks = readInt()
	h.PlaybackFrames = readInt()
	h.SignonLength = readInt()
	return h, nil
}
