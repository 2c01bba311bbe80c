package demreader

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PlayerInfo is the decoded entry payload of the player identity table.
type PlayerInfo struct {
	Name       string
	GUID       string
	UserID     uint32
	FriendsID  uint32
	FakePlayer bool
	IsHLTV     bool
}

// PrecacheEntry is the decoded payload of an asset precache table entry.
type PrecacheEntry struct {
	FatalIfMissing bool
	Preload        bool
}

// LightStyle is the flicker pattern string of a light-style table entry.
type LightStyle string

// StringTableEntry is one typed entry: the raw name, the raw payload bytes
// and, where the table name implies one, the decoded record variant.
type StringTableEntry struct {
	Name     string
	UserData []byte
	Value    interface{}
}

// StringTable is a named, indexed lookup table maintained by create,
// bulk-load and compressed incremental-update messages.
type StringTable struct {
	Name              string
	MaxEntries        int
	UserDataFixedSize bool
	UserDataSizeBits  uint
	Entries           []StringTableEntry

	indexBits uint
}

func newStringTable(name string, maxEntries int, fixedSize bool, sizeBits uint) *StringTable {
	return &StringTable{
		Name:              name,
		MaxEntries:        maxEntries,
		UserDataFixedSize: fixedSize,
		UserDataSizeBits:  sizeBits,
		indexBits:         bitsForCount(maxEntries - 1),
	}
}

// Entry returns the entry at index, if set.
func (t *StringTable) Entry(index int) (StringTableEntry, bool) {
	if index < 0 || index >= len(t.Entries) {
		return StringTableEntry{}, false
	}
	e := t.Entries[index]
	if e.Name == "" && e.UserData == nil {
		return e, false
	}
	return e, true
}

// FindEntry returns the first entry with the given name.
func (t *StringTable) FindEntry(name string) (int, StringTableEntry, bool) {
	for i, e := range t.Entries {
		if e.Name == name {
			return i, e, true
		}
	}
	return -1, StringTableEntry{}, false
}

func (t *StringTable) setEntry(index int, name string, userData []byte) {
	for len(t.Entries) <= index {
		t.Entries = append(t.Entries, StringTableEntry{})
	}
	e := &t.Entries[index]
	e.Name = name
	if userData != nil {
		e.UserData = userData
	}
	e.Value = decodeTableEntry(t.Name, e.Name, e.UserData)
}

// decodeTableEntry picks the record variant purely by table name.
func decodeTableEntry(table, name string, userData []byte) interface{} {
	switch table {
	case "userinfo":
		if userData == nil {
			return nil
		}
		return decodePlayerInfo(userData)
	case "modelprecache", "soundprecache", "genericprecache", "decalprecache":
		var p PrecacheEntry
		if len(userData) > 0 {
			p.FatalIfMissing = userData[0]&1 != 0
			p.Preload = userData[0]&2 != 0
		}
		return p
	case "lightstyles":
		return LightStyle(userData)
	default:
		return nil
	}
}

const (
	playerInfoNameLen = 128
	playerInfoGUIDLen = 33
)

func decodePlayerInfo(raw []byte) PlayerInfo {
	var p PlayerInfo
	cstr := func(b []byte) string {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return string(b)
	}
	if len(raw) < playerInfoNameLen {
		p.Name = cstr(raw)
		return p
	}
	p.Name = cstr(raw[:playerInfoNameLen])
	rest := raw[playerInfoNameLen:]
	if len(rest) < playerInfoGUIDLen+3 {
		return p
	}
	p.GUID = cstr(rest[:playerInfoGUIDLen])
	rest = rest[playerInfoGUIDLen+3:] // padded to 4-byte alignment
	if len(rest) >= 4 {
		p.UserID = binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
	}
	if len(rest) >= 4 {
		p.FriendsID = binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
	}
	if len(rest) >= 1 {
		p.FakePlayer = rest[0] != 0
	}
	if len(rest) >= 2 {
		p.IsHLTV = rest[1] != 0
	}
	return p
}

// snapshot supports all-or-nothing incremental updates: a malformed update
// restores the last-good entries and must not disturb other tables.
func (t *StringTable) snapshot() []StringTableEntry {
	cp := make([]StringTableEntry, len(t.Entries))
	copy(cp, t.Entries)
	return cp
}

func (t *StringTable) restore(snap []StringTableEntry) {
	t.Entries = snap
}

// parseUpdate applies numChanged incremental entries from the buffer.
// Entry indices either follow the previous index or are explicit; names are
// reused, re-sent whole, or substring-compressed against a rolling 32-entry
// history of the names seen in this update.
func (t *StringTable) parseUpdate(buf *BitBuffer, numChanged int) error {
	snap := t.snapshot()
	if err := t.applyUpdate(buf, numChanged); err != nil {
		t.restore(snap)
		return err
	}
	return nil
}

func (t *StringTable) applyUpdate(buf *BitBuffer, numChanged int) error {
	op := "stringtable " + t.Name
	var history []string
	lastIndex := -1

	for i := 0; i < numChanged; i++ {
		index := lastIndex + 1
		sequential, err := buf.NextBit()
		if err != nil {
			return desyncf(op, "entry index: %v", err)
		}
		if !sequential {
			u, err := buf.NextUint(t.indexBits)
			if err != nil {
				return desyncf(op, "entry index: %v", err)
			}
			index = int(u)
		}
		if index < 0 || index >= t.MaxEntries {
			return desyncf(op, "entry index %d overflows capacity %d", index, t.MaxEntries)
		}
		lastIndex = index

		name := ""
		if index < len(t.Entries) {
			name = t.Entries[index].Name
		}
		hasName, err := buf.NextBit()
		if err != nil {
			return desyncf(op, "name flag: %v", err)
		}
		if hasName {
			compressed, err := buf.NextBit()
			if err != nil {
				return desyncf(op, "compression flag: %v", err)
			}
			if compressed {
				histIndex, err := buf.NextUint(substringIndexBits)
				if err != nil {
					return desyncf(op, "history index: %v", err)
				}
				copyLen, err := buf.NextUint(substringLengthBits)
				if err != nil {
					return desyncf(op, "substring length: %v", err)
				}
				if int(histIndex) >= len(history) {
					return desyncf(op, "history slot %d not populated", histIndex)
				}
				base := history[histIndex]
				if int(copyLen) > len(base) {
					return desyncf(op, "shared prefix %d longer than history entry %q", copyLen, base)
				}
				suffix, err := buf.NextString()
				if err != nil {
					return desyncf(op, "name suffix: %v", err)
				}
				name = base[:copyLen] + suffix
			} else {
				if name, err = buf.NextString(); err != nil {
					return desyncf(op, "name: %v", err)
				}
			}
		}
		history = append(history, name)
		if len(history) > stringHistorySize {
			history = history[1:]
		}

		var userData []byte
		hasData, err := buf.NextBit()
		if err != nil {
			return desyncf(op, "payload flag: %v", err)
		}
		if hasData {
			if t.UserDataFixedSize {
				userData, err = buf.NextBitSlice(t.UserDataSizeBits)
			} else {
				var nBytes uint32
				nBytes, err = buf.NextUint(maxUserDataBits)
				if err == nil {
					userData, err = buf.NextBitSlice(uint(nBytes) * 8)
				}
			}
			if err != nil {
				return desyncf(op, "payload: %v", err)
			}
		}
		t.setEntry(index, name, userData)
	}
	return nil
}

// stringTableSet owns every table of a session, addressed by creation order
// on the wire and by name for lookups.
type stringTableSet struct {
	tables []*StringTable
	byName map[string]*StringTable
}

func newStringTableSet() *stringTableSet {
	return &stringTableSet{byName: make(map[string]*StringTable)}
}

func (s *stringTableSet) create(t *StringTable) error {
	if _, dup := s.byName[t.Name]; dup {
		return fmt.Errorf("stringtable %q created twice", t.Name)
	}
	s.tables = append(s.tables, t)
	s.byName[t.Name] = t
	return nil
}

func (s *stringTableSet) byID(id int) (*StringTable, bool) {
	if id < 0 || id >= len(s.tables) {
		return nil, false
	}
	return s.tables[id], true
}

func (s *stringTableSet) get(name string) (*StringTable, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// parseFullDump consumes the stand-alone string-tables message: a bulk load
// of name + optional payload pairs per table. Tables not created by the
// sub-protocol yet are created here with defaults.
func (s *stringTableSet) parseFullDump(buf *BitBuffer) error {
	numTables, err := buf.NextByte()
	if err != nil {
		return fmt.Errorf("stringtables dump: table count: %w", err)
	}
	for i := 0; i < int(numTables); i++ {
		name, err := buf.NextString()
		if err != nil {
			return fmt.Errorf("stringtables dump: table name: %w", err)
		}
		numEntries, err := buf.NextUint(16)
		if err != nil {
			return fmt.Errorf("stringtables dump %q: entry count: %w", name, err)
		}
		t, ok := s.get(name)
		if !ok {
			capacity := 1
			for capacity < int(numEntries) {
				capacity <<= 1
			}
			t = newStringTable(name, capacity, false, 0)
			s.tables = append(s.tables, t)
			s.byName[name] = t
		}
		for j := 0; j < int(numEntries); j++ {
			entryName, err := buf.NextString()
			if err != nil {
				return fmt.Errorf("stringtables dump %q: entry name: %w", name, err)
			}
			var userData []byte
			hasData, err := buf.NextBit()
			if err != nil {
				return fmt.Errorf("stringtables dump %q: payload flag: %w", name, err)
			}
			if hasData {
				nBytes, err := buf.NextUint(16)
				if err != nil {
					return fmt.Errorf("stringtables dump %q: payload size: %w", name, err)
				}
				if userData, err = buf.NextBitSlice(uint(nBytes) * 8); err != nil {
					return fmt.Errorf("stringtables dump %q: payload: %w", name, err)
				}
			}
			if j < t.MaxEntries {
				t.setEntry(j, entryName, userData)
			}
		}
	}
	return nil
}
