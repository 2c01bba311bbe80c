package demreader

import (
	"strconv"
)

// Entity is one live simulated object. Identity is the (slot, serial) pair:
// a different serial at the same slot is a logically distinct object reusing
// the index.
type Entity struct {
	Slot   int
	Serial int
	Class  *ServerClass
	InPVS  bool

	props []PropValue
	buf   *BitBuffer
}

// Property returns the decoded value slot for a qualified property name.
// The bool is false when the class has no such property or it was never set.
func (e *Entity) Property(name string) (*PropValue, bool) {
	i, ok := e.Class.PropIndex(name)
	if !ok || !e.props[i].present {
		return nil, false
	}
	return &e.props[i], true
}

// PropertyAt returns the value slot at a flattened index.
func (e *Entity) PropertyAt(index int) (*PropValue, bool) {
	if index < 0 || index >= len(e.props) || !e.props[index].present {
		return nil, false
	}
	return &e.props[index], true
}

// SetProperty rewrites a previously decoded field in the backing blob at its
// recorded bit span. The in-memory value is left untouched; the write only
// becomes visible by reparsing the blob. Returns nil when the property
// existed and was written.
func (e *Entity) SetProperty(name string, value interface{}) error {
	i, ok := e.Class.PropIndex(name)
	if !ok || !e.props[i].present {
		return ErrNoSuchProperty
	}
	return encodeProp(e.buf, &e.props[i], value)
}

// EntityStore owns the live entity table.
type EntityStore struct {
	slots [maxEntities]*Entity
}

func (st *EntityStore) Entity(slot int) (*Entity, bool) {
	if slot < 0 || slot >= maxEntities || st.slots[slot] == nil {
		return nil, false
	}
	return st.slots[slot], true
}

// Live returns every stored entity in ascending slot order.
func (st *EntityStore) Live() []*Entity {
	var out []*Entity
	for _, e := range st.slots {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (st *EntityStore) clear() {
	for i := range st.slots {
		st.slots[i] = nil
	}
}

// packetEntities is the decoded header of one snapshot message; the entity
// data itself follows in the buffer for lengthBits bits.
type packetEntities struct {
	maxEntries     int
	isDelta        bool
	deltaFrom      int32
	baseline       bool
	updatedEntries int
	lengthBits     uint
	updateBaseline bool
}

// applyPacketEntities drives the replication state machine over one snapshot
// message. Entities are visited in ascending slot order via a delta-encoded
// index stream; a 2-bit update type selects delta, enter, leave or delete.
// On desync the cursor is still moved to the message's declared end so the
// stream stays synchronized, and the error is reported, not fatal.
func (s *Session) applyPacketEntities(pe packetEntities) error {
	buf := s.buf
	endBit := buf.Cursor() + pe.lengthBits
	if endBit > buf.BitLength() {
		return desyncf("packetentities", "declared length %d bits overruns buffer", pe.lengthBits)
	}
	err := s.applyEntityData(pe, endBit)
	if serr := buf.SetCursor(endBit); serr != nil {
		return serr
	}
	return err
}

func (s *Session) applyEntityData(pe packetEntities, endBit uint) error {
	const op = "packetentities"
	buf := s.buf
	if s.schema == nil {
		return desyncf(op, "snapshot before schema message")
	}
	if !pe.isDelta {
		// Full snapshot: drop the whole store, entities re-enter below.
		s.entities.clear()
	}

	slot := -1
	for i := 0; i < pe.updatedEntries; i++ {
		gap, err := buf.NextVarUint()
		if err != nil {
			return desyncf(op, "slot gap: %v", err)
		}
		slot += 1 + int(gap)
		if slot >= maxEntities {
			return desyncf(op, "slot %d out of range", slot)
		}

		leave, err := buf.NextBit()
		if err != nil {
			return desyncf(op, "update type: %v", err)
		}
		if leave {
			remove, err := buf.NextBit()
			if err != nil {
				return desyncf(op, "update type: %v", err)
			}
			ent := s.entities.slots[slot]
			if ent != nil {
				ent.InPVS = false
			}
			if remove {
				s.entities.slots[slot] = nil
			}
			continue
		}

		enter, err := buf.NextBit()
		if err != nil {
			return desyncf(op, "update type: %v", err)
		}
		if enter {
			if err := s.enterEntity(slot, endBit); err != nil {
				return err
			}
			continue
		}

		ent := s.entities.slots[slot]
		if ent == nil {
			return desyncf(op, "delta against absent entity at slot %d", slot)
		}
		if err := s.readEntityUpdate(ent, endBit); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) enterEntity(slot int, endBit uint) error {
	const op = "packetentities"
	buf := s.buf
	classID, err := buf.NextUint(s.schema.classIDBits)
	if err != nil {
		return desyncf(op, "class id: %v", err)
	}
	serial, err := buf.NextUint(entitySerialBits)
	if err != nil {
		return desyncf(op, "serial: %v", err)
	}
	class, ok := s.schema.Class(int(classID))
	if !ok {
		return desyncf(op, "unknown class id %d at slot %d", classID, slot)
	}

	ent := s.entities.slots[slot]
	if ent == nil || ent.Serial != int(serial) || ent.Class != class {
		ent = s.newEntityFromBaseline(slot, int(serial), class)
		s.entities.slots[slot] = ent
	}
	ent.InPVS = true
	return s.readEntityUpdate(ent, endBit)
}

// readEntityUpdate applies one delta: the index stream names the changed
// flattened properties, then their values follow in the same order.
func (s *Session) readEntityUpdate(ent *Entity, endBit uint) error {
	const op = "packetentities"
	buf := s.buf

	newWay, err := buf.NextBit()
	if err != nil {
		return desyncf(op, "index encoding selector: %v", err)
	}
	var indices []int
	index := -1
	for {
		index, err = buf.NextPropIndex(index, newWay)
		if err != nil {
			return desyncf(op, "prop index: %v", err)
		}
		if index == -1 {
			break
		}
		if index >= len(ent.Class.FlatProps) {
			return desyncf(op, "prop index %d out of range for class %q", index, ent.Class.Name)
		}
		indices = append(indices, index)
	}
	for _, pi := range indices {
		if buf.Cursor() >= endBit {
			return desyncf(op, "prop values overrun message end")
		}
		pv, err := decodeProp(buf, ent.Class.FlatProps[pi])
		if err != nil {
			return desyncf(op, "prop %q: %v", ent.Class.FlatProps[pi].Name, err)
		}
		ent.props[pi] = pv
	}
	return nil
}

// newEntityFromBaseline creates a fresh entity with the class's default
// property values. Array values are deep-copied so deltas never mutate the
// baseline's storage.
func (s *Session) newEntityFromBaseline(slot, serial int, class *ServerClass) *Entity {
	ent := &Entity{
		Slot:   slot,
		Serial: serial,
		Class:  class,
		buf:    s.buf,
		props:  make([]PropValue, len(class.FlatProps)),
	}
	for i, bv := range s.classBaseline(class) {
		if bv.present {
			ent.props[i] = deepCopyValue(bv)
		}
	}
	return ent
}

// classBaseline resolves and caches the default property values stored in
// the instance-baseline string table under the class id.
func (s *Session) classBaseline(class *ServerClass) []PropValue {
	if vals, ok := s.baselineCache[class.ID]; ok {
		return vals
	}
	vals := make([]PropValue, len(class.FlatProps))
	defer func() { s.baselineCache[class.ID] = vals }()

	table, ok := s.tables.get(instanceBaselineTable)
	if !ok {
		return vals
	}
	_, entry, ok := table.FindEntry(strconv.Itoa(class.ID))
	if !ok || entry.UserData == nil {
		return vals
	}

	// Baselines use the same prop-stream encoding as a delta, over the
	// entry's own payload. Spans are scoped to that payload copy, not the
	// demo blob, so baseline-only values are not rewritable in place.
	buf := NewBitBuffer(entry.UserData)
	newWay, err := buf.NextBit()
	if err != nil {
		return vals
	}
	var indices []int
	index := -1
	for {
		index, err = buf.NextPropIndex(index, newWay)
		if err != nil || index == -1 {
			break
		}
		if index >= len(class.FlatProps) {
			err = desyncf("baseline", "prop index %d out of range", index)
			break
		}
		indices = append(indices, index)
	}
	if err != nil {
		s.warn("baseline "+class.Name, err)
		return vals
	}
	for _, pi := range indices {
		pv, derr := decodeProp(buf, class.FlatProps[pi])
		if derr != nil {
			s.warn("baseline "+class.Name, derr)
			break
		}
		pv.span = bitSpan{}
		vals[pi] = pv
	}
	return vals
}

const instanceBaselineTable = "instancebaseline"
