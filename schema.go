package demreader

import (
	"fmt"
	"sort"
)

// PropDef is one row of a schema table. Created once when the data-tables
// message is parsed and never mutated afterwards.
type PropDef struct {
	Type     PropType
	Name     string
	Flags    PropFlags
	Priority int

	// DTName is the referenced table for nested-table rows and the excluded
	// table for exclude rows.
	DTName      string
	NumElements int
	LowValue    float32
	HighValue   float32
	NumBits     uint
}

func (p *PropDef) has(f PropFlags) bool { return p.Flags&f != 0 }

// DataTable is one named property table from the schema blob.
type DataTable struct {
	Name         string
	NeedsDecoder bool
	Props        []*PropDef
}

// FlatProp is one entry of a class's linear decode/encode contract: the
// qualified name, the base definition and, for array rows, the companion
// element definition.
type FlatProp struct {
	Name      string
	Def       *PropDef
	ArrayElem *PropDef
}

// ServerClass binds a class id and name to a schema table and its flattened
// property list.
type ServerClass struct {
	ID        int
	Name      string
	TableName string
	FlatProps []FlatProp

	propIndex map[string]int
}

// PropIndex returns the flattened index of a qualified property name.
func (c *ServerClass) PropIndex(name string) (int, bool) {
	i, ok := c.propIndex[name]
	return i, ok
}

// Schema is the resolved table-of-tables: every data table plus one server
// class per (table id, class name, table name) triple, each with its
// flattened property list.
type Schema struct {
	tables    map[string]*DataTable
	Classes   []*ServerClass
	classByID map[int]*ServerClass

	// classIDBits is the wire width of class ids in entity enter events.
	classIDBits uint
}

func (s *Schema) Class(id int) (*ServerClass, bool) {
	c, ok := s.classByID[id]
	return c, ok
}

func (s *Schema) Table(name string) (*DataTable, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// parseSchema consumes the data-tables blob: a count-prefixed list of
// property tables followed by the class triples. Any inconsistency here is
// structural corruption, bit alignment past it cannot be trusted.
func parseSchema(buf *BitBuffer) (*Schema, error) {
	s := &Schema{
		tables:    make(map[string]*DataTable),
		classByID: make(map[int]*ServerClass),
	}

	numTables, err := buf.NextUint(16)
	if err != nil {
		return nil, fmt.Errorf("schema: table count: %w", err)
	}
	for i := uint32(0); i < numTables; i++ {
		t, err := parseDataTable(buf)
		if err != nil {
			return nil, err
		}
		if _, dup := s.tables[t.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate table %q", t.Name)
		}
		s.tables[t.Name] = t
	}

	numClasses, err := buf.NextUint(16)
	if err != nil {
		return nil, fmt.Errorf("schema: class count: %w", err)
	}
	for i := uint32(0); i < numClasses; i++ {
		id, err := buf.NextUint(16)
		if err != nil {
			return nil, fmt.Errorf("schema: class id: %w", err)
		}
		name, err := buf.NextString()
		if err != nil {
			return nil, fmt.Errorf("schema: class name: %w", err)
		}
		tableName, err := buf.NextString()
		if err != nil {
			return nil, fmt.Errorf("schema: class table name: %w", err)
		}
		c := &ServerClass{ID: int(id), Name: name, TableName: tableName}
		s.Classes = append(s.Classes, c)
		s.classByID[c.ID] = c
	}
	if len(s.Classes) == 0 {
		return nil, fmt.Errorf("schema: no server classes")
	}
	s.classIDBits = bitsForCount(len(s.Classes))

	for _, c := range s.Classes {
		if err := s.flattenClass(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func parseDataTable(buf *BitBuffer) (*DataTable, error) {
	needsDecoder, err := buf.NextBit()
	if err != nil {
		return nil, fmt.Errorf("schema: table header: %w", err)
	}
	name, err := buf.NextString()
	if err != nil {
		return nil, fmt.Errorf("schema: table name: %w", err)
	}
	t := &DataTable{Name: name, NeedsDecoder: needsDecoder}
	numProps, err := buf.NextUint(dataTableNumPropBits)
	if err != nil {
		return nil, fmt.Errorf("schema: table %q prop count: %w", name, err)
	}
	for i := uint32(0); i < numProps; i++ {
		p, err := parsePropDef(buf, name)
		if err != nil {
			return nil, err
		}
		t.Props = append(t.Props, p)
	}
	return t, nil
}

func parsePropDef(buf *BitBuffer, tableName string) (*PropDef, error) {
	fail := func(what string, err error) (*PropDef, error) {
		return nil, fmt.Errorf("schema: table %q prop %s: %w", tableName, what, err)
	}
	typ, err := buf.NextUint(5)
	if err != nil {
		return fail("type", err)
	}
	if PropType(typ) > PropDataTable {
		return nil, fmt.Errorf("schema: table %q: unknown prop type %d", tableName, typ)
	}
	p := &PropDef{Type: PropType(typ)}
	if p.Name, err = buf.NextString(); err != nil {
		return fail("name", err)
	}
	flags, err := buf.NextUint(propFlagBits)
	if err != nil {
		return fail("flags", err)
	}
	p.Flags = PropFlags(flags)
	prio, err := buf.NextUint(propPriorityBits)
	if err != nil {
		return fail("priority", err)
	}
	p.Priority = int(prio)

	switch {
	case p.has(propFlagExclude), p.Type == PropDataTable:
		if p.DTName, err = buf.NextString(); err != nil {
			return fail("table reference", err)
		}
	case p.Type == PropArray:
		n, err := buf.NextUint(dataTableNumPropBits)
		if err != nil {
			return fail("element count", err)
		}
		p.NumElements = int(n)
	default:
		if p.LowValue, err = buf.NextFloat(); err != nil {
			return fail("low bound", err)
		}
		if p.HighValue, err = buf.NextFloat(); err != nil {
			return fail("high bound", err)
		}
		bits, err := buf.NextUint(dataTablePropNumBits)
		if err != nil {
			return fail("bit width", err)
		}
		p.NumBits = uint(bits)
	}
	return p, nil
}

type exclusion struct {
	table string
	prop  string
}

// flattenClass produces the class's ordered flattened property list: gather
// the transitive exclusion set, walk the table tree emitting leaf props, and
// bucket-sort by priority.
func (s *Schema) flattenClass(c *ServerClass) error {
	root, ok := s.tables[c.TableName]
	if !ok {
		return fmt.Errorf("schema: class %q references missing table %q", c.Name, c.TableName)
	}
	excl := make(map[exclusion]bool)
	if err := s.gatherExcludes(root, excl, make(map[string]bool)); err != nil {
		return err
	}
	var flat []FlatProp
	if err := s.gatherProps(root, "", excl, &flat, make(map[string]bool)); err != nil {
		return err
	}
	c.FlatProps = sortFlatProps(flat)
	c.propIndex = make(map[string]int, len(c.FlatProps))
	for i, fp := range c.FlatProps {
		c.propIndex[fp.Name] = i
	}
	return nil
}

func (s *Schema) gatherExcludes(t *DataTable, out map[exclusion]bool, seen map[string]bool) error {
	if seen[t.Name] {
		return fmt.Errorf("schema: exclusion cycle through table %q", t.Name)
	}
	seen[t.Name] = true
	defer delete(seen, t.Name)

	for _, p := range t.Props {
		if p.has(propFlagExclude) {
			out[exclusion{p.DTName, p.Name}] = true
			continue
		}
		if p.Type == PropDataTable {
			sub, ok := s.tables[p.DTName]
			if !ok {
				return fmt.Errorf("schema: table %q references missing table %q", t.Name, p.DTName)
			}
			if err := s.gatherExcludes(sub, out, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Schema) gatherProps(t *DataTable, prefix string, excl map[exclusion]bool, out *[]FlatProp, seen map[string]bool) error {
	if seen[t.Name] {
		return fmt.Errorf("schema: table cycle through %q", t.Name)
	}
	seen[t.Name] = true
	defer delete(seen, t.Name)

	for i, p := range t.Props {
		if p.has(propFlagExclude | propFlagInsideArray) {
			continue
		}
		if excl[exclusion{t.Name, p.Name}] {
			continue
		}
		switch p.Type {
		case PropDataTable:
			sub, ok := s.tables[p.DTName]
			if !ok {
				return fmt.Errorf("schema: table %q references missing table %q", t.Name, p.DTName)
			}
			subPrefix := prefix
			if !p.has(propFlagCollapsible) {
				subPrefix = prefix + sub.Name + "."
			}
			if err := s.gatherProps(sub, subPrefix, excl, out, seen); err != nil {
				return err
			}
		case PropArray:
			// The element definition is the positionally preceding row of
			// the same table. A format quirk, but the decode contract.
			if i == 0 {
				return fmt.Errorf("schema: table %q: array prop %q has no preceding element definition", t.Name, p.Name)
			}
			*out = append(*out, FlatProp{Name: prefix + p.Name, Def: p, ArrayElem: t.Props[i-1]})
		default:
			*out = append(*out, FlatProp{Name: prefix + p.Name, Def: p})
		}
	}
	return nil
}

// sortFlatProps orders the flattened list by ascending declared priority as
// a stable partition, with one dedicated terminal bucket holding priority 64
// together with every changes-often property regardless of its own declared
// priority. Later snapshot messages index into exactly this order.
func sortFlatProps(flat []FlatProp) []FlatProp {
	terminal := func(fp FlatProp) bool {
		return fp.Def.Priority == changesOftenPriority || fp.Def.has(propFlagChangesOften)
	}

	seen := make(map[int]bool)
	var prios []int
	for _, fp := range flat {
		if terminal(fp) {
			continue
		}
		if !seen[fp.Def.Priority] {
			seen[fp.Def.Priority] = true
			prios = append(prios, fp.Def.Priority)
		}
	}
	sort.Ints(prios)

	out := make([]FlatProp, 0, len(flat))
	for _, prio := range prios {
		for _, fp := range flat {
			if !terminal(fp) && fp.Def.Priority == prio {
				out = append(out, fp)
			}
		}
	}
	for _, fp := range flat {
		if terminal(fp) {
			out = append(out, fp)
		}
	}
	return out
}
