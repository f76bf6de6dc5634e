package keys

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// UserKey is an index key extracted from a tuple. Keys compare as raw
// bytes; the engine encodes comparable representations upstream.
type UserKey []byte

// Compare compares two user keys.
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare([]byte(uk), []byte(other))
}

func (uk UserKey) String() string {
	return string(uk)
}

// Kind represents the type of a statement.
type Kind uint8

const (
	// KindReplace is a full tuple write.
	KindReplace Kind = 1

	// KindDelete is a tombstone.
	KindDelete Kind = 2
)

var (
	// ErrCorruption is returned when tuple data fails to decode
	ErrCorruption = errors.New("tuple data corruption detected")

	// ErrKeyFieldMissing is returned when a key part refers to a
	// field the tuple does not have
	ErrKeyFieldMissing = errors.New("tuple is missing a key field")
)

// Statement is a single versioned row operation as stored in
// memtables and runs: the extracted index key, the full tuple data
// (empty for tombstones), the LSN it was committed at and its kind.
type Statement struct {
	Key   UserKey
	Tuple []byte
	LSN   int64
	Kind  Kind
}

// Compare orders statements by key ascending, then LSN descending so
// the newest version of a key sorts first. Ties break on kind to keep
// the order total.
func (s *Statement) Compare(other *Statement) int {
	if c := s.Key.Compare(other.Key); c != 0 {
		return c
	}
	if s.LSN != other.LSN {
		if s.LSN > other.LSN {
			return -1
		}
		return 1
	}
	if s.Kind != other.Kind {
		if s.Kind < other.Kind {
			return -1
		}
		return 1
	}
	return 0
}

func (s *Statement) String() string {
	return fmt.Sprintf("%s@%d/%d", string(s.Key), s.LSN, s.Kind)
}

// Def is a key definition: which tuple fields form the index key.
// A task deep-copies the definition of its LSM tree at construction
// so a concurrent schema alter on the coordinator can't race a
// worker's comparisons.
type Def struct {
	// Parts lists tuple field numbers, in key order.
	Parts []int
}

// NewDef builds a key definition over the given tuple field numbers.
func NewDef(parts ...int) *Def {
	return &Def{Parts: append([]int(nil), parts...)}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *Def) Clone() *Def {
	return NewDef(d.Parts...)
}

// Compare orders extracted keys. Extraction already produced a
// byte-comparable key so this is plain byte order.
func (d *Def) Compare(a, b UserKey) int {
	return a.Compare(b)
}

// ExtractKey builds the index key for a decoded tuple by
// concatenating its key fields, each prefixed with its length.
// Keys compare as bytes of this encoding, so within a part a shorter
// value sorts before a longer one whatever their contents.
func (d *Def) ExtractKey(fields [][]byte) (UserKey, error) {
	var key []byte
	for _, p := range d.Parts {
		if p >= len(fields) {
			return nil, ErrKeyFieldMissing
		}
		key = appendField(key, fields[p])
	}
	return key, nil
}

// Format describes the tuple layout of a space: a flat array of
// length-framed fields.
type Format struct {
	FieldCount int
}

// NewFormat returns a format for tuples with the given field count.
func NewFormat(fieldCount int) *Format {
	return &Format{FieldCount: fieldCount}
}

// EncodeTuple packs fields into tuple data.
func (f *Format) EncodeTuple(fields [][]byte) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(fields)))
	for _, fld := range fields {
		buf = appendField(buf, fld)
	}
	return buf
}

// DecodeTuple unpacks tuple data into fields.
func (f *Format) DecodeTuple(data []byte) ([][]byte, error) {
	n, off := binary.Uvarint(data)
	if off <= 0 {
		return nil, ErrCorruption
	}
	fields := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		flen, m := binary.Uvarint(data[off:])
		if m <= 0 {
			return nil, ErrCorruption
		}
		off += m
		if off+int(flen) > len(data) {
			return nil, ErrCorruption
		}
		fields = append(fields, data[off:off+int(flen)])
		off += int(flen)
	}
	return fields, nil
}

// SurrogateDelete builds a DELETE statement from an overwritten
// statement: key fields are kept, non-key fields are nil'd. Used to
// propagate a primary-index shadow to secondary indexes.
func (f *Format) SurrogateDelete(def *Def, old *Statement) (*Statement, error) {
	fields, err := f.DecodeTuple(old.Tuple)
	if err != nil {
		return nil, err
	}
	surrogate := make([][]byte, len(fields))
	for _, p := range def.Parts {
		if p >= len(fields) {
			return nil, ErrKeyFieldMissing
		}
		surrogate[p] = fields[p]
	}
	return &Statement{
		Key:   append(UserKey(nil), old.Key...),
		Tuple: f.EncodeTuple(surrogate),
		LSN:   old.LSN,
		Kind:  KindDelete,
	}, nil
}

func appendField(buf, field []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(field)))
	return append(buf, field...)
}
