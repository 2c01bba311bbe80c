package demreader

import (
	"fmt"
	"math"
)

// Vector is a decoded 3D vector property.
type Vector struct {
	X, Y, Z float32
}

// VectorXY is a decoded 2D vector property.
type VectorXY struct {
	X, Y float32
}

type bitSpan struct {
	start uint
	width uint
}

// floatVariant is the branch of the flag decision tree a float field was
// decoded with. Re-encode replays the same branch, the bit layout in the
// buffer is fixed and only the content varies.
type floatVariant uint8

const (
	fvInterp floatVariant = iota
	fvCoord
	fvCoordMP
	fvCoordMPLow
	fvCoordMPInt
	fvNoScale
	fvNormal
	fvCell
	fvCellLow
	fvCellInt
)

type floatLayout struct {
	variant  floatVariant
	hasInt   bool // coord family: integer part present
	hasFrac  bool // coord: fractional part present
	inBounds bool // coord MP: short integer width selected
}

// PropValue is one decoded property slot: the value plus the exact bit span
// it occupied, so the same codec can later rewrite the field in place.
type PropValue struct {
	Name  string
	Value interface{}

	def     *PropDef
	elemDef *PropDef
	span    bitSpan
	layout  floatLayout
	elems   []PropValue
	present bool
}

// Present reports whether the slot has ever been decoded or baselined.
func (pv *PropValue) Present() bool { return pv != nil && pv.present }

// Type returns the declared property type.
func (pv *PropValue) Type() PropType { return pv.def.Type }

func typeMismatch(name string, t PropType, detail string) error {
	return fmt.Errorf("prop %q (%s): %s: %w", name, t, detail, ErrValueShape)
}

func selectFloatVariant(def *PropDef) floatVariant {
	switch {
	case def.has(propFlagCoord):
		return fvCoord
	case def.has(propFlagCoordMP):
		return fvCoordMP
	case def.has(propFlagCoordMPLow):
		return fvCoordMPLow
	case def.has(propFlagCoordMPInt):
		return fvCoordMPInt
	case def.has(propFlagNoScale):
		return fvNoScale
	case def.has(propFlagNormal):
		return fvNormal
	case def.has(propFlagCellCoord):
		return fvCell
	case def.has(propFlagCellCoordLow):
		return fvCellLow
	case def.has(propFlagCellCoordInt):
		return fvCellInt
	default:
		return fvInterp
	}
}

// decodeProp reads exactly the bits implied by the definition's type and
// flags and records the consumed span.
func decodeProp(buf *BitBuffer, fp FlatProp) (PropValue, error) {
	pv := PropValue{Name: fp.Name, def: fp.Def, elemDef: fp.ArrayElem, present: true}
	start := buf.Cursor()
	var err error

	switch fp.Def.Type {
	case PropInt:
		pv.Value, err = decodeInt(buf, fp.Def)
	case PropFloat:
		var v float32
		v, pv.layout, err = decodeFloat(buf, fp.Def)
		pv.Value = v
	case PropVector:
		err = decodeVector(buf, fp, &pv)
	case PropVectorXY:
		err = decodeVectorXY(buf, fp, &pv)
	case PropString:
		pv.Value, err = decodePropString(buf)
	case PropArray:
		err = decodeArray(buf, fp, &pv)
	default:
		err = typeMismatch(fp.Name, fp.Def.Type, "type is not decodable as a value")
	}
	if err != nil {
		return pv, err
	}
	pv.span = bitSpan{start: start, width: buf.Cursor() - start}
	return pv, nil
}

func decodeInt(buf *BitBuffer, def *PropDef) (interface{}, error) {
	if def.has(propFlagUnsigned) {
		return buf.NextUint(def.NumBits)
	}
	return buf.NextSignedInt(def.NumBits)
}

func decodeFloat(buf *BitBuffer, def *PropDef) (float32, floatLayout, error) {
	layout := floatLayout{variant: selectFloatVariant(def)}
	var v float32
	var err error
	switch layout.variant {
	case fvCoord:
		v, err = decodeCoord(buf, &layout)
	case fvCoordMP:
		v, err = decodeCoordMP(buf, &layout, false, false)
	case fvCoordMPLow:
		v, err = decodeCoordMP(buf, &layout, false, true)
	case fvCoordMPInt:
		v, err = decodeCoordMP(buf, &layout, true, false)
	case fvNoScale:
		v, err = buf.NextFloat()
	case fvNormal:
		v, err = decodeNormal(buf)
	case fvCell:
		v, err = decodeCellCoord(buf, def.NumBits, false, false)
	case fvCellLow:
		v, err = decodeCellCoord(buf, def.NumBits, false, true)
	case fvCellInt:
		v, err = decodeCellCoord(buf, def.NumBits, true, false)
	default:
		v, err = decodeInterp(buf, def)
	}
	return v, layout, err
}

func decodeInterp(buf *BitBuffer, def *PropDef) (float32, error) {
	u, err := buf.NextUint(def.NumBits)
	if err != nil {
		return 0, err
	}
	frac := float32(u) / float32(uint64(1)<<def.NumBits-1)
	return def.LowValue + (def.HighValue-def.LowValue)*frac, nil
}

// decodeCoord: two presence bits; if either part is present, a sign bit, a
// 14-bit integer part (stored minus one) and a 5-bit fraction follow.
func decodeCoord(buf *BitBuffer, layout *floatLayout) (float32, error) {
	var err error
	if layout.hasInt, err = buf.NextBit(); err != nil {
		return 0, err
	}
	if layout.hasFrac, err = buf.NextBit(); err != nil {
		return 0, err
	}
	if !layout.hasInt && !layout.hasFrac {
		return 0, nil
	}
	sign, err := buf.NextBit()
	if err != nil {
		return 0, err
	}
	var v float32
	if layout.hasInt {
		i, err := buf.NextUint(coordIntegerBits)
		if err != nil {
			return 0, err
		}
		v = float32(i + 1)
	}
	if layout.hasFrac {
		f, err := buf.NextUint(coordFractionalBits)
		if err != nil {
			return 0, err
		}
		v += float32(f) * coordResolution
	}
	if sign {
		v = -v
	}
	return v, nil
}

func coordMPIntBits(inBounds bool) uint {
	if inBounds {
		return coordIntegerBitsMP
	}
	return coordIntegerBits
}

func fracBits(lowPrecision bool) (uint, float32) {
	if lowPrecision {
		return lowFractionalBits, lowResolution
	}
	return coordFractionalBits, coordResolution
}

func decodeCoordMP(buf *BitBuffer, layout *floatLayout, integral, lowPrecision bool) (float32, error) {
	var err error
	if layout.inBounds, err = buf.NextBit(); err != nil {
		return 0, err
	}
	if layout.hasInt, err = buf.NextBit(); err != nil {
		return 0, err
	}
	if integral {
		if !layout.hasInt {
			return 0, nil
		}
		sign, err := buf.NextBit()
		if err != nil {
			return 0, err
		}
		i, err := buf.NextUint(coordMPIntBits(layout.inBounds))
		if err != nil {
			return 0, err
		}
		v := float32(i + 1)
		if sign {
			v = -v
		}
		return v, nil
	}
	sign, err := buf.NextBit()
	if err != nil {
		return 0, err
	}
	var v float32
	if layout.hasInt {
		i, err := buf.NextUint(coordMPIntBits(layout.inBounds))
		if err != nil {
			return 0, err
		}
		v = float32(i + 1)
	}
	bits, res := fracBits(lowPrecision)
	f, err := buf.NextUint(bits)
	if err != nil {
		return 0, err
	}
	v += float32(f) * res
	if sign {
		v = -v
	}
	return v, nil
}

func decodeNormal(buf *BitBuffer) (float32, error) {
	sign, err := buf.NextBit()
	if err != nil {
		return 0, err
	}
	f, err := buf.NextUint(normalFractionalBits)
	if err != nil {
		return 0, err
	}
	v := float32(f) * normalResolution
	if sign {
		v = -v
	}
	return v, nil
}

func decodeCellCoord(buf *BitBuffer, intBits uint, integral, lowPrecision bool) (float32, error) {
	i, err := buf.NextUint(intBits)
	if err != nil {
		return 0, err
	}
	if integral {
		return float32(i), nil
	}
	bits, res := fracBits(lowPrecision)
	f, err := buf.NextUint(bits)
	if err != nil {
		return 0, err
	}
	return float32(i) + float32(f)*res, nil
}

func decodeVector(buf *BitBuffer, fp FlatProp, pv *PropValue) error {
	var vec Vector
	for _, comp := range []struct {
		name string
		dst  *float32
	}{{"x", &vec.X}, {"y", &vec.Y}} {
		sub := PropValue{Name: fp.Name + "." + comp.name, def: fp.Def, present: true}
		start := buf.Cursor()
		v, layout, err := decodeFloat(buf, fp.Def)
		if err != nil {
			return err
		}
		*comp.dst = v
		sub.Value = v
		sub.layout = layout
		sub.span = bitSpan{start: start, width: buf.Cursor() - start}
		pv.elems = append(pv.elems, sub)
	}
	if fp.Def.has(propFlagNormal) {
		// Z is reconstructed from the unit-length constraint; only its sign
		// is on the wire.
		signPos := buf.Cursor()
		sign, err := buf.NextBit()
		if err != nil {
			return err
		}
		sq := float64(vec.X)*float64(vec.X) + float64(vec.Y)*float64(vec.Y)
		if sq < 1 {
			vec.Z = float32(math.Sqrt(1 - sq))
		}
		if sign {
			vec.Z = -vec.Z
		}
		pv.elems = append(pv.elems, PropValue{
			Name:    fp.Name + ".zsign",
			def:     fp.Def,
			Value:   sign,
			span:    bitSpan{start: signPos, width: 1},
			present: true,
		})
	} else {
		sub := PropValue{Name: fp.Name + ".z", def: fp.Def, present: true}
		start := buf.Cursor()
		v, layout, err := decodeFloat(buf, fp.Def)
		if err != nil {
			return err
		}
		vec.Z = v
		sub.Value = v
		sub.layout = layout
		sub.span = bitSpan{start: start, width: buf.Cursor() - start}
		pv.elems = append(pv.elems, sub)
	}
	pv.Value = vec
	return nil
}

func decodeVectorXY(buf *BitBuffer, fp FlatProp, pv *PropValue) error {
	var vec VectorXY
	for _, comp := range []struct {
		name string
		dst  *float32
	}{{"x", &vec.X}, {"y", &vec.Y}} {
		sub := PropValue{Name: fp.Name + "." + comp.name, def: fp.Def, present: true}
		start := buf.Cursor()
		v, layout, err := decodeFloat(buf, fp.Def)
		if err != nil {
			return err
		}
		*comp.dst = v
		sub.Value = v
		sub.layout = layout
		sub.span = bitSpan{start: start, width: buf.Cursor() - start}
		pv.elems = append(pv.elems, sub)
	}
	pv.Value = vec
	return nil
}

func decodePropString(buf *BitBuffer) (string, error) {
	n, err := buf.NextUint(stringLengthBits)
	if err != nil {
		return "", err
	}
	raw, err := buf.NextBitSlice(uint(n) * 8)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeArray(buf *BitBuffer, fp FlatProp, pv *PropValue) error {
	if fp.ArrayElem == nil {
		return typeMismatch(fp.Name, PropArray, "array prop without element definition")
	}
	count, err := buf.NextUint(bitsForCount(fp.Def.NumElements))
	if err != nil {
		return err
	}
	if int(count) > fp.Def.NumElements {
		return typeMismatch(fp.Name, PropArray, fmt.Sprintf("element count %d exceeds declared max %d", count, fp.Def.NumElements))
	}
	values := make([]interface{}, 0, count)
	for i := uint32(0); i < count; i++ {
		elemFP := FlatProp{
			Name: fmt.Sprintf("%s[%d]", fp.Name, i),
			Def:  fp.ArrayElem,
		}
		ev, err := decodeProp(buf, elemFP)
		if err != nil {
			return err
		}
		pv.elems = append(pv.elems, ev)
		values = append(values, ev.Value)
	}
	pv.Value = values
	return nil
}

// Re-encode. Each path patches the recorded span in place; the flag branch
// is replayed from the recorded layout, never re-derived from the new value.

func encodeProp(buf *BitBuffer, pv *PropValue, value interface{}) error {
	if !pv.present || pv.span.width == 0 {
		return fmt.Errorf("prop %q: %w", pv.Name, ErrNotRewritable)
	}
	switch pv.def.Type {
	case PropInt:
		return encodeInt(buf, pv, value)
	case PropFloat:
		f, ok := toFloat32(value)
		if !ok {
			return typeMismatch(pv.Name, PropFloat, fmt.Sprintf("got %T", value))
		}
		return encodeFloat(buf, pv.def, pv.layout, pv.span, pv.Name, f)
	case PropVector:
		return encodeVector(buf, pv, value)
	case PropVectorXY:
		return encodeVectorXY(buf, pv, value)
	case PropString:
		return encodePropString(buf, pv, value)
	case PropArray:
		return encodeArray(buf, pv, value)
	default:
		return typeMismatch(pv.Name, pv.def.Type, "type is not encodable")
	}
}

func encodeInt(buf *BitBuffer, pv *PropValue, value interface{}) error {
	i, ok := toInt64(value)
	if !ok {
		return typeMismatch(pv.Name, PropInt, fmt.Sprintf("got %T", value))
	}
	if pv.def.has(propFlagUnsigned) {
		if i < 0 || (pv.def.NumBits < 32 && uint64(i) >= uint64(1)<<pv.def.NumBits) {
			return typeMismatch(pv.Name, PropInt, fmt.Sprintf("value %d does not fit %d unsigned bits", i, pv.def.NumBits))
		}
		return buf.SetUint(pv.span.start, pv.def.NumBits, uint32(i))
	}
	if err := buf.SetSignedInt(pv.span.start, pv.def.NumBits, int32(i)); err != nil {
		return typeMismatch(pv.Name, PropInt, err.Error())
	}
	return nil
}

func encodeFloat(buf *BitBuffer, def *PropDef, layout floatLayout, span bitSpan, name string, v float32) error {
	switch layout.variant {
	case fvInterp:
		return encodeInterp(buf, def, span, name, v)
	case fvCoord:
		return encodeCoord(buf, layout, span, name, v)
	case fvCoordMP:
		return encodeCoordMP(buf, layout, span, name, v, false, false)
	case fvCoordMPLow:
		return encodeCoordMP(buf, layout, span, name, v, false, true)
	case fvCoordMPInt:
		return encodeCoordMP(buf, layout, span, name, v, true, false)
	case fvNoScale:
		return buf.SetFloat(span.start, v)
	case fvNormal:
		return encodeNormal(buf, span, v)
	case fvCell:
		return encodeCellCoord(buf, def, span, name, v, false, false)
	case fvCellLow:
		return encodeCellCoord(buf, def, span, name, v, false, true)
	case fvCellInt:
		return encodeCellCoord(buf, def, span, name, v, true, false)
	}
	return typeMismatch(name, PropFloat, "unknown float variant")
}

func encodeInterp(buf *BitBuffer, def *PropDef, span bitSpan, name string, v float32) error {
	if def.HighValue == def.LowValue {
		return typeMismatch(name, PropFloat, "degenerate interpolation range")
	}
	frac := (v - def.LowValue) / (def.HighValue - def.LowValue)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	denom := float64(uint64(1)<<def.NumBits - 1)
	u := uint32(math.Round(float64(frac) * denom))
	return buf.SetUint(span.start, def.NumBits, u)
}

func splitCoord(v float32, fBits uint, res float32) (sign bool, ipart uint32, frac uint32) {
	sign = v < 0
	a := float64(v)
	if sign {
		a = -a
	}
	ipart = uint32(a)
	frac = uint32(math.Round((a - float64(ipart)) / float64(res)))
	if frac >= uint32(1)<<fBits {
		ipart++
		frac = 0
	}
	return sign, ipart, frac
}

func encodeCoord(buf *BitBuffer, layout floatLayout, span bitSpan, name string, v float32) error {
	if !layout.hasInt && !layout.hasFrac {
		if v != 0 {
			return typeMismatch(name, PropFloat, "field was encoded as zero, cannot hold a non-zero value")
		}
		return nil
	}
	sign, ipart, frac := splitCoord(v, coordFractionalBits, coordResolution)
	if layout.hasInt && (ipart == 0 || ipart > 1<<coordIntegerBits) {
		return typeMismatch(name, PropFloat, fmt.Sprintf("integer part %d outside encoded layout", ipart))
	}
	if !layout.hasInt && ipart != 0 {
		return typeMismatch(name, PropFloat, "layout has no integer part")
	}
	if !layout.hasFrac && frac != 0 {
		return typeMismatch(name, PropFloat, "layout has no fractional part")
	}
	pos := span.start + 2 // presence bits stay as decoded
	if err := buf.SetBit(pos, sign); err != nil {
		return err
	}
	pos++
	if layout.hasInt {
		if err := buf.SetUint(pos, coordIntegerBits, ipart-1); err != nil {
			return err
		}
		pos += coordIntegerBits
	}
	if layout.hasFrac {
		if err := buf.SetUint(pos, coordFractionalBits, frac); err != nil {
			return err
		}
	}
	return nil
}

func encodeCoordMP(buf *BitBuffer, layout floatLayout, span bitSpan, name string, v float32, integral, lowPrecision bool) error {
	intBits := coordMPIntBits(layout.inBounds)
	fBits, res := fracBits(lowPrecision)
	sign, ipart, frac := splitCoord(v, fBits, res)
	if integral {
		frac = 0
		if float32(int32(v)) != v {
			return typeMismatch(name, PropFloat, "integral layout cannot hold a fractional value")
		}
	}
	if !layout.hasInt {
		if ipart != 0 {
			return typeMismatch(name, PropFloat, "layout has no integer part")
		}
	} else if ipart == 0 || ipart > uint32(1)<<intBits {
		return typeMismatch(name, PropFloat, fmt.Sprintf("integer part %d outside encoded layout", ipart))
	}
	pos := span.start + 2 // in-bounds and presence bits stay as decoded
	if integral {
		if !layout.hasInt {
			if v != 0 {
				return typeMismatch(name, PropFloat, "field was encoded as zero, cannot hold a non-zero value")
			}
			return nil
		}
		if err := buf.SetBit(pos, sign); err != nil {
			return err
		}
		return buf.SetUint(pos+1, intBits, ipart-1)
	}
	if err := buf.SetBit(pos, sign); err != nil {
		return err
	}
	pos++
	if layout.hasInt {
		if err := buf.SetUint(pos, intBits, ipart-1); err != nil {
			return err
		}
		pos += intBits
	}
	return buf.SetUint(pos, fBits, frac)
}

func encodeNormal(buf *BitBuffer, span bitSpan, v float32) error {
	sign := v < 0
	a := float64(v)
	if sign {
		a = -a
	}
	f := uint32(math.Round(a / normalResolution))
	if f >= 1<<normalFractionalBits {
		f = 1<<normalFractionalBits - 1
	}
	if err := buf.SetBit(span.start, sign); err != nil {
		return err
	}
	return buf.SetUint(span.start+1, normalFractionalBits, f)
}

func encodeCellCoord(buf *BitBuffer, def *PropDef, span bitSpan, name string, v float32, integral, lowPrecision bool) error {
	if v < 0 {
		return typeMismatch(name, PropFloat, "cell coordinates are unsigned")
	}
	fBits, res := fracBits(lowPrecision)
	_, ipart, frac := splitCoord(v, fBits, res)
	if def.NumBits < 32 && uint64(ipart) >= uint64(1)<<def.NumBits {
		return typeMismatch(name, PropFloat, fmt.Sprintf("integer part %d does not fit %d bits", ipart, def.NumBits))
	}
	if integral {
		if frac != 0 {
			return typeMismatch(name, PropFloat, "integral layout cannot hold a fractional value")
		}
		return buf.SetUint(span.start, def.NumBits, ipart)
	}
	if err := buf.SetUint(span.start, def.NumBits, ipart); err != nil {
		return err
	}
	return buf.SetUint(span.start+uint(def.NumBits), fBits, frac)
}

func encodeVector(buf *BitBuffer, pv *PropValue, value interface{}) error {
	vec, ok := value.(Vector)
	if !ok {
		return typeMismatch(pv.Name, PropVector, fmt.Sprintf("got %T", value))
	}
	comps := []float32{vec.X, vec.Y, vec.Z}
	for i := 0; i < 2; i++ {
		e := &pv.elems[i]
		if err := encodeFloat(buf, e.def, e.layout, e.span, e.Name, comps[i]); err != nil {
			return err
		}
	}
	last := &pv.elems[2]
	if pv.def.has(propFlagNormal) {
		return buf.SetBit(last.span.start, vec.Z < 0)
	}
	return encodeFloat(buf, last.def, last.layout, last.span, last.Name, vec.Z)
}

func encodeVectorXY(buf *BitBuffer, pv *PropValue, value interface{}) error {
	vec, ok := value.(VectorXY)
	if !ok {
		return typeMismatch(pv.Name, PropVectorXY, fmt.Sprintf("got %T", value))
	}
	comps := []float32{vec.X, vec.Y}
	for i := 0; i < 2; i++ {
		e := &pv.elems[i]
		if err := encodeFloat(buf, e.def, e.layout, e.span, e.Name, comps[i]); err != nil {
			return err
		}
	}
	return nil
}

func encodePropString(buf *BitBuffer, pv *PropValue, value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return typeMismatch(pv.Name, PropString, fmt.Sprintf("got %T", value))
	}
	old, _ := pv.Value.(string)
	if len(s) != len(old) {
		return typeMismatch(pv.Name, PropString, fmt.Sprintf("length %d differs from encoded length %d", len(s), len(old)))
	}
	pos := pv.span.start + stringLengthBits
	for i := 0; i < len(s); i++ {
		if err := buf.SetUint(pos, 8, uint32(s[i])); err != nil {
			return err
		}
		pos += 8
	}
	return nil
}

func encodeArray(buf *BitBuffer, pv *PropValue, value interface{}) error {
	vals, ok := value.([]interface{})
	if !ok {
		return typeMismatch(pv.Name, PropArray, fmt.Sprintf("got %T", value))
	}
	if len(vals) != len(pv.elems) {
		return typeMismatch(pv.Name, PropArray, fmt.Sprintf("length %d differs from encoded count %d", len(vals), len(pv.elems)))
	}
	for i := range vals {
		if err := encodeProp(buf, &pv.elems[i], vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// deepCopyValue clones a PropValue so baseline storage is never aliased by
// the entities created from it.
func deepCopyValue(pv PropValue) PropValue {
	out := pv
	if pv.elems != nil {
		out.elems = make([]PropValue, len(pv.elems))
		for i := range pv.elems {
			out.elems[i] = deepCopyValue(pv.elems[i])
		}
	}
	if vals, ok := pv.Value.([]interface{}); ok {
		cp := make([]interface{}, len(vals))
		copy(cp, vals)
		out.Value = cp
	}
	return out
}

func toFloat32(v interface{}) (float32, bool) {
	switch x := v.(type) {
	case float32:
		return x, true
	case float64:
		return float32(x), true
	case int:
		return float32(x), true
	case int32:
		return float32(x), true
	case int64:
		return float32(x), true
	case uint32:
		return float32(x), true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	}
	return 0, false
}
