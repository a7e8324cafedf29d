package dataset

import (
	"fmt"

	"github.com/grafana/colpack/pkg/colpack/internal/formatmd"
)

// A DictionaryBuilder assigns dense indices to distinct values, in first
// appearance order. The dictionary page of a column chunk is the builder's
// value list, plain encoded; data pages reference it by index.
type DictionaryBuilder struct {
	valueType formatmd.ValueType

	numIndex   map[uint64]uint64
	bytesIndex map[string]uint64

	values []Value
}

// NewDictionaryBuilder creates a DictionaryBuilder for values of the given
// type.
func NewDictionaryBuilder(valueType formatmd.ValueType) *DictionaryBuilder {
	return &DictionaryBuilder{
		valueType:  valueType,
		numIndex:   make(map[uint64]uint64),
		bytesIndex: make(map[string]uint64),
	}
}

// Index returns the dictionary index for v, adding v as a new entry if it
// has not been seen. Byte values are copied so the dictionary does not
// alias caller memory.
func (d *DictionaryBuilder) Index(v Value) (uint64, error) {
	if v.Type() != d.valueType {
		return 0, fmt.Errorf("dictionary: invalid value type %s, expected %s", v.Type(), d.valueType)
	}

	switch d.valueType {
	case formatmd.ValueTypeInt64, formatmd.ValueTypeUint64:
		key := v.num
		if idx, ok := d.numIndex[key]; ok {
			return idx, nil
		}
		idx := uint64(len(d.values))
		d.numIndex[key] = idx
		d.values = append(d.values, v)
		return idx, nil

	case formatmd.ValueTypeString, formatmd.ValueTypeByteArray:
		key := string(v.Bytes())
		if idx, ok := d.bytesIndex[key]; ok {
			return idx, nil
		}
		idx := uint64(len(d.values))
		d.bytesIndex[key] = idx
		if d.valueType == formatmd.ValueTypeString {
			d.values = append(d.values, StringValue(key))
		} else {
			d.values = append(d.values, ByteArrayValue([]byte(key)))
		}
		return idx, nil

	default:
		return 0, fmt.Errorf("dictionary: unsupported value type %s", d.valueType)
	}
}

// Values returns the dictionary entries in index order. The returned slice
// is owned by the builder.
func (d *DictionaryBuilder) Values() []Value { return d.values }

// Len returns the number of distinct entries.
func (d *DictionaryBuilder) Len() int { return len(d.values) }
