package demreader

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// CmdInfo is the per-slot camera/view record carried by every packet
// message.
type CmdInfo struct {
	Flags            int32
	ViewOrigin       Vector
	ViewAngles       Vector
	LocalViewAngles  Vector
	ViewOrigin2      Vector
	ViewAngles2      Vector
	LocalViewAngles2 Vector
}

// Command is one console command or console-variable assignment observed in
// the stream.
type Command struct {
	Tick  int
	Name  string // convar name; empty for raw console commands
	Value string // command text or convar value
}

// ServerInfo is the decoded svc_serverinfo payload.
type ServerInfo struct {
	Protocol     int
	ServerCount  int32
	IsHLTV       bool
	IsDedicated  bool
	ClientCRC    int32
	MaxClasses   int
	MapCRC       int32
	PlayerSlot   int
	MaxClients   int
	TickInterval float32
	OS           byte
	GameDir      string
	MapName      string
	SkyName      string
	HostName     string
}

// readMessage consumes one top-level demo message. It returns done=true on
// the stop message or a disconnect inside a packet.
func (s *Session) readMessage() (done bool, err error) {
	buf := s.buf
	startBit := buf.Cursor()
	cmd, err := buf.NextByte()
	if err != nil {
		// Ran off the end without a stop message; treat as end of stream.
		return true, nil
	}
	tick, err := buf.NextSignedInt(32)
	if err != nil {
		return false, fmt.Errorf("message %s: tick: %w", demType(cmd), err)
	}
	s.tick = int(tick)

	s.log.Debug("demo message",
		zap.Stringer("type", demType(cmd)),
		zap.Int("tick", s.tick),
	)
	s.traceFrameStart(demType(cmd), startBit)
	defer func() { s.traceFrameStop(buf.Cursor()) }()

	switch demType(cmd) {
	case demSignon, demPacket:
		return s.readPacket()
	case demSyncTick:
		return false, nil
	case demConsoleCmd:
		return false, s.readConsoleCmd()
	case demUserCmd:
		return false, s.readUserCmd()
	case demDataTables:
		return false, s.readDataTables()
	case demStop:
		return true, nil
	case demCustomData:
		if _, err := buf.NextSignedInt(32); err != nil {
			return false, fmt.Errorf("customdata: type: %w", err)
		}
		return false, s.skipSizePrefixed("customdata")
	case demStringTables:
		return false, s.readStringTablesDump()
	default:
		return false, fmt.Errorf("unknown demo message type %d at tick %d", cmd, s.tick)
	}
}

// sizePrefix reads the byte-count prefix shared by several message bodies
// and returns the absolute end bit of the body.
func (s *Session) sizePrefix(op string) (uint, error) {
	size, err := s.buf.NextSignedInt(32)
	if err != nil {
		return 0, fmt.Errorf("%s: size: %w", op, err)
	}
	if size < 0 {
		return 0, fmt.Errorf("%s: negative size %d", op, size)
	}
	end := s.buf.Cursor() + uint(size)*8
	if end > s.buf.BitLength() {
		return 0, fmt.Errorf("%s: size %d overruns file", op, size)
	}
	return end, nil
}

func (s *Session) skipSizePrefixed(op string) error {
	end, err := s.sizePrefix(op)
	if err != nil {
		return err
	}
	return s.buf.SetCursor(end)
}

func (s *Session) readPacket() (bool, error) {
	buf := s.buf
	for slot := 0; slot < maxSplitSlots; slot++ {
		if err := s.readCmdInfo(&s.cmdInfo[slot]); err != nil {
			return false, fmt.Errorf("packet cmdinfo slot %d: %w", slot, err)
		}
	}
	if _, err := buf.NextSignedInt(32); err != nil { // incoming sequence
		return false, fmt.Errorf("packet sequence: %w", err)
	}
	if _, err := buf.NextSignedInt(32); err != nil { // outgoing sequence
		return false, fmt.Errorf("packet sequence: %w", err)
	}
	end, err := s.sizePrefix("packet")
	if err != nil {
		return false, err
	}
	done, err := s.readSubMessages(end)
	if err != nil {
		return false, err
	}
	if err := buf.SetCursor(end); err != nil {
		return false, err
	}
	return done, nil
}

func (s *Session) readCmdInfo(ci *CmdInfo) error {
	buf := s.buf
	flags, err := buf.NextSignedInt(32)
	if err != nil {
		return err
	}
	ci.Flags = flags
	for _, v := range []*Vector{
		&ci.ViewOrigin, &ci.ViewAngles, &ci.LocalViewAngles,
		&ci.ViewOrigin2, &ci.ViewAngles2, &ci.LocalViewAngles2,
	} {
		if v.X, err = buf.NextFloat(); err != nil {
			return err
		}
		if v.Y, err = buf.NextFloat(); err != nil {
			return err
		}
		if v.Z, err = buf.NextFloat(); err != nil {
			return err
		}
	}
	return nil
}

// readSubMessages dispatches the bit-packed sub-protocol stream up to
// endBit. An unknown tag is structural corruption: byte alignment cannot be
// trusted past it.
func (s *Session) readSubMessages(endBit uint) (bool, error) {
	buf := s.buf
	for buf.Cursor()+netMsgTypeBits <= endBit {
		tagStart := buf.Cursor()
		tag, err := buf.NextUint(netMsgTypeBits)
		if err != nil {
			return false, err
		}
		t := svcType(tag)
		s.log.Debug("sub message", zap.Stringer("type", t))
		switch t {
		case netNOP:
		case netDisconnect:
			if _, err = buf.NextString(); err == nil {
				return true, nil
			}
		case netFile:
			err = s.readNetFile()
		case netSplitScreenUser:
			_, err = buf.NextBit()
		case netTick:
			err = s.readNetTick()
		case netStringCmd:
			err = s.readStringCmd()
		case netSetConVar:
			err = s.readSetConVar()
		case netSignonState:
			err = s.readSignonState()
		case svcPrint:
			_, err = buf.NextString()
		case svcServerInfo:
			err = s.readServerInfo()
		case svcSendTable:
			err = s.readSendTableStub()
		case svcClassInfo:
			err = s.readClassInfo()
		case svcSetPause:
			s.paused, err = buf.NextBit()
		case svcCreateStringTable:
			err = s.readCreateStringTable()
		case svcUpdateStringTable:
			err = s.readUpdateStringTable()
		case svcVoiceInit:
			if _, err = buf.NextString(); err == nil {
				_, err = buf.NextByte()
			}
		case svcVoiceData:
			err = s.readVoiceData()
		case svcSounds:
			err = s.readSounds()
		case svcSetView:
			var v uint32
			if v, err = buf.NextUint(maxEntityBits); err == nil {
				s.viewEntity = int(v)
			}
		case svcFixAngle:
			if _, err = buf.NextBit(); err == nil {
				err = skipBits(buf, 3*16)
			}
		case svcCrosshairAngle:
			err = skipBits(buf, 3*16)
		case svcBSPDecal:
			err = s.readBSPDecal()
		case svcSplitScreen:
			if _, err = buf.NextBit(); err == nil {
				err = skipCounted(buf, 11)
			}
		case svcUserMessage:
			if _, err = buf.NextByte(); err == nil {
				err = skipCounted(buf, 11)
			}
		case svcEntityMessage:
			if err = skipBits(buf, maxEntityBits+9); err == nil {
				err = skipCounted(buf, 11)
			}
		case svcGameEvent:
			err = skipCounted(buf, 11)
		case svcPacketEntities:
			err = s.readPacketEntities()
		case svcTempEntities:
			if _, err = buf.NextByte(); err == nil {
				err = skipCounted(buf, 17)
			}
		case svcPrefetch:
			err = skipBits(buf, 13)
		case svcMenu:
			err = s.readMenu()
		case svcGameEventList:
			if err = skipBits(buf, 9); err == nil {
				err = skipCounted(buf, 20)
			}
		case svcGetCvarValue:
			if err = skipBits(buf, 32); err == nil {
				_, err = buf.NextString()
			}
		case svcPaintmapData:
			err = skipCounted(buf, 32)
		case svcCmdKeyValues:
			var n uint32
			if n, err = buf.NextUint(32); err == nil {
				err = buf.Skip(uint(n) * 8)
			}
		default:
			return false, fmt.Errorf("unknown sub-protocol message type %d at tick %d", tag, s.tick)
		}
		if err != nil {
			return false, fmt.Errorf("%s at tick %d: %w", t, s.tick, err)
		}
		s.traceSubMessage(t, tagStart, buf.Cursor())
		if s.stopRequested {
			return true, nil
		}
	}
	return false, nil
}

func skipBits(buf *BitBuffer, n uint) error {
	return buf.Skip(n)
}

// skipCounted skips a body whose bit length is carried in a widthBits-wide
// prefix.
func skipCounted(buf *BitBuffer, widthBits uint) error {
	n, err := buf.NextUint(widthBits)
	if err != nil {
		return err
	}
	return buf.Skip(uint(n))
}

func (s *Session) readNetFile() error {
	buf := s.buf
	if _, err := buf.NextSignedInt(32); err != nil {
		return err
	}
	if _, err := buf.NextString(); err != nil {
		return err
	}
	_, err := buf.NextBit()
	return err
}

func (s *Session) readNetTick() error {
	buf := s.buf
	tick, err := buf.NextSignedInt(32)
	if err != nil {
		return err
	}
	if err := skipBits(buf, 2*16); err != nil { // host frametime + stddev
		return err
	}
	s.tick = int(tick)
	return nil
}

func (s *Session) readStringCmd() error {
	cmd, err := s.buf.NextString()
	if err != nil {
		return err
	}
	s.dispatchCommand(Command{Tick: s.tick, Value: cmd})
	return nil
}

func (s *Session) readSetConVar() error {
	buf := s.buf
	count, err := buf.NextByte()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		name, err := buf.NextString()
		if err != nil {
			return err
		}
		value, err := buf.NextString()
		if err != nil {
			return err
		}
		s.convars[name] = value
		s.dispatchCommand(Command{Tick: s.tick, Name: name, Value: value})
	}
	return nil
}

func (s *Session) readSignonState() error {
	buf := s.buf
	if _, err := buf.NextByte(); err != nil {
		return err
	}
	_, err := buf.NextSignedInt(32)
	return err
}

func (s *Session) readServerInfo() error {
	buf := s.buf
	var si ServerInfo
	var err error
	fail := func(what string) error { return fmt.Errorf("%s: %w", what, err) }

	var u uint32
	if u, err = buf.NextUint(16); err != nil {
		return fail("protocol")
	}
	si.Protocol = int(u)
	if si.ServerCount, err = buf.NextSignedInt(32); err != nil {
		return fail("server count")
	}
	if si.IsHLTV, err = buf.NextBit(); err != nil {
		return fail("hltv flag")
	}
	if si.IsDedicated, err = buf.NextBit(); err != nil {
		return fail("dedicated flag")
	}
	if si.ClientCRC, err = buf.NextSignedInt(32); err != nil {
		return fail("client crc")
	}
	if u, err = buf.NextUint(16); err != nil {
		return fail("max classes")
	}
	si.MaxClasses = int(u)
	if si.MapCRC, err = buf.NextSignedInt(32); err != nil {
		return fail("map crc")
	}
	var b byte
	if b, err = buf.NextByte(); err != nil {
		return fail("player slot")
	}
	si.PlayerSlot = int(b)
	if b, err = buf.NextByte(); err != nil {
		return fail("max clients")
	}
	si.MaxClients = int(b)
	if si.TickInterval, err = buf.NextFloat(); err != nil {
		return fail("tick interval")
	}
	if si.OS, err = buf.NextByte(); err != nil {
		return fail("os")
	}
	if si.GameDir, err = buf.NextString(); err != nil {
		return fail("game dir")
	}
	if si.MapName, err = buf.NextString(); err != nil {
		return fail("map name")
	}
	if si.SkyName, err = buf.NextString(); err != nil {
		return fail("sky name")
	}
	if si.HostName, err = buf.NextString(); err != nil {
		return fail("host name")
	}
	s.serverInfo = si
	return nil
}

// readSendTableStub: the schema itself arrives in the data-tables message;
// inline send-table fragments only need skipping.
func (s *Session) readSendTableStub() error {
	buf := s.buf
	if _, err := buf.NextBit(); err != nil {
		return err
	}
	return skipCounted(buf, 16)
}

func (s *Session) readClassInfo() error {
	buf := s.buf
	numClasses, err := buf.NextUint(16)
	if err != nil {
		return err
	}
	createOnClient, err := buf.NextBit()
	if err != nil {
		return err
	}
	if createOnClient {
		return nil
	}
	idBits := bitsForCount(int(numClasses))
	for i := uint32(0); i < numClasses; i++ {
		if _, err := buf.NextUint(idBits); err != nil {
			return err
		}
		if _, err := buf.NextString(); err != nil {
			return err
		}
		if _, err := buf.NextString(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readCreateStringTable() error {
	buf := s.buf
	name, err := buf.NextString()
	if err != nil {
		return err
	}
	maxEntries, err := buf.NextUint(16)
	if err != nil {
		return err
	}
	if maxEntries == 0 {
		return fmt.Errorf("stringtable %q: zero capacity", name)
	}
	numEntries, err := buf.NextUint(bitsForCount(int(maxEntries)))
	if err != nil {
		return err
	}
	lengthBits, err := buf.NextUint(20)
	if err != nil {
		return err
	}
	fixedSize, err := buf.NextBit()
	if err != nil {
		return err
	}
	var sizeBits uint
	if fixedSize {
		if _, err := buf.NextUint(12); err != nil { // byte size, informational
			return err
		}
		sb, err := buf.NextUint(4)
		if err != nil {
			return err
		}
		sizeBits = uint(sb)
	}

	end := buf.Cursor() + uint(lengthBits)
	if end > buf.BitLength() {
		return fmt.Errorf("stringtable %q: declared length overruns file", name)
	}
	t := newStringTable(name, int(maxEntries), fixedSize, sizeBits)
	if err := s.tables.create(t); err != nil {
		s.warn("createstringtable", err)
		return buf.SetCursor(end)
	}
	if err := t.parseUpdate(buf, int(numEntries)); err != nil {
		s.reportDesync("createstringtable", err)
	}
	return buf.SetCursor(end)
}

func (s *Session) readUpdateStringTable() error {
	buf := s.buf
	id, err := buf.NextUint(stringTableIDBits)
	if err != nil {
		return err
	}
	changed := uint32(1)
	multi, err := buf.NextBit()
	if err != nil {
		return err
	}
	if multi {
		if changed, err = buf.NextUint(16); err != nil {
			return err
		}
	}
	lengthBits, err := buf.NextUint(20)
	if err != nil {
		return err
	}
	end := buf.Cursor() + uint(lengthBits)
	if end > buf.BitLength() {
		return fmt.Errorf("updatestringtable %d: declared length overruns file", id)
	}

	t, ok := s.tables.byID(int(id))
	if !ok {
		s.warn("updatestringtable", desyncf("updatestringtable", "update against uninitialized table id %d", id))
		return buf.SetCursor(end)
	}
	if err := t.parseUpdate(buf, int(changed)); err != nil {
		s.reportDesync("updatestringtable", err)
	}
	if t.Name == instanceBaselineTable {
		// New baselines supersede any cached per-class decode.
		s.baselineCache = make(map[int][]PropValue)
	}
	return buf.SetCursor(end)
}

func (s *Session) readVoiceData() error {
	buf := s.buf
	if _, err := buf.NextByte(); err != nil { // client
		return err
	}
	if _, err := buf.NextByte(); err != nil { // proximity
		return err
	}
	return skipCounted(buf, 16)
}

func (s *Session) readSounds() error {
	buf := s.buf
	reliable, err := buf.NextBit()
	if err != nil {
		return err
	}
	if reliable {
		return skipCounted(buf, 8)
	}
	if _, err := buf.NextByte(); err != nil { // sound count
		return err
	}
	return skipCounted(buf, 16)
}

func (s *Session) readBSPDecal() error {
	buf := s.buf
	for axis := 0; axis < 3; axis++ {
		present, err := buf.NextBit()
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		var layout floatLayout
		if _, err := decodeCoord(buf, &layout); err != nil {
			return err
		}
	}
	if _, err := buf.NextUint(9); err != nil { // decal texture index
		return err
	}
	hasEntity, err := buf.NextBit()
	if err != nil {
		return err
	}
	if hasEntity {
		if err := skipBits(buf, maxEntityBits+11); err != nil {
			return err
		}
	}
	_, err = buf.NextBit() // low priority
	return err
}

func (s *Session) readMenu() error {
	buf := s.buf
	if _, err := buf.NextUint(16); err != nil { // dialog type
		return err
	}
	n, err := buf.NextUint(16)
	if err != nil {
		return err
	}
	return buf.Skip(uint(n) * 8)
}

func (s *Session) readPacketEntities() error {
	buf := s.buf
	var pe packetEntities
	var err error

	var u uint32
	if u, err = buf.NextUint(maxEntityBits); err != nil {
		return err
	}
	pe.maxEntries = int(u)
	if pe.isDelta, err = buf.NextBit(); err != nil {
		return err
	}
	if pe.isDelta {
		if pe.deltaFrom, err = buf.NextSignedInt(32); err != nil {
			return err
		}
	}
	if pe.baseline, err = buf.NextBit(); err != nil {
		return err
	}
	if u, err = buf.NextUint(maxEntityBits); err != nil {
		return err
	}
	pe.updatedEntries = int(u)
	if u, err = buf.NextUint(20); err != nil {
		return err
	}
	pe.lengthBits = uint(u)
	if pe.updateBaseline, err = buf.NextBit(); err != nil {
		return err
	}

	if err := s.applyPacketEntities(pe); err != nil {
		s.reportDesync("packetentities", err)
	}
	return nil
}

// reportDesync downgrades recoverable desync errors to warnings; anything
// else is structural and re-raised as a panic-free parse failure.
func (s *Session) reportDesync(op string, err error) {
	var de *DesyncError
	if errors.As(err, &de) {
		s.warn(op, err)
		return
	}
	s.warn(op, &DesyncError{Op: op, Err: err})
}

func (s *Session) readConsoleCmd() error {
	end, err := s.sizePrefix("consolecmd")
	if err != nil {
		return err
	}
	cmd, err := s.buf.NextString()
	if err != nil {
		return err
	}
	s.dispatchCommand(Command{Tick: s.tick, Value: cmd})
	return s.buf.SetCursor(end)
}

func (s *Session) readUserCmd() error {
	buf := s.buf
	if _, err := buf.NextSignedInt(32); err != nil { // outgoing sequence
		return fmt.Errorf("usercmd: sequence: %w", err)
	}
	end, err := s.sizePrefix("usercmd")
	if err != nil {
		return err
	}
	uc, err := decodeUserCmd(buf, end)
	if err != nil {
		s.reportDesync("usercmd", err)
	} else if s.hooks.OnUserCmd != nil {
		if s.hooks.OnUserCmd(s, uc) {
			s.stopRequested = true
		}
	}
	return buf.SetCursor(end)
}

func (s *Session) readDataTables() error {
	end, err := s.sizePrefix("datatables")
	if err != nil {
		return err
	}
	if s.schema != nil {
		// The schema is parsed once; repeated blobs are skipped.
		return s.buf.SetCursor(end)
	}
	schema, err := parseSchema(s.buf)
	if err != nil {
		return err
	}
	s.schema = schema
	s.log.Info("schema resolved",
		zap.Int("tables", len(schema.tables)),
		zap.Int("classes", len(schema.Classes)),
	)
	return s.buf.SetCursor(end)
}

func (s *Session) readStringTablesDump() error {
	end, err := s.sizePrefix("stringtables")
	if err != nil {
		return err
	}
	if err := s.tables.parseFullDump(s.buf); err != nil {
		s.reportDesync("stringtables", err)
	}
	s.baselineCache = make(map[int][]PropValue)
	return s.buf.SetCursor(end)
}

func (s *Session) dispatchCommand(c Command) {
	if s.hooks.OnCommand == nil {
		return
	}
	if s.hooks.OnCommand(s, c) {
		s.stopRequested = true
	}
}
