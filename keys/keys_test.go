package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementOrdering(t *testing.T) {
	a1 := &Statement{Key: UserKey("a"), LSN: 1, Kind: KindReplace}
	a2 := &Statement{Key: UserKey("a"), LSN: 2, Kind: KindReplace}
	b1 := &Statement{Key: UserKey("b"), LSN: 1, Kind: KindReplace}

	// Same key: newer LSN sorts first.
	assert.Negative(t, a2.Compare(a1))
	assert.Positive(t, a1.Compare(a2))

	// Key order dominates LSN.
	assert.Negative(t, a1.Compare(b1))
	assert.Zero(t, a1.Compare(a1))
}

func TestDefExtractKey(t *testing.T) {
	def := NewDef(1)
	fields := [][]byte{[]byte("ignored"), []byte("k1"), []byte("v")}

	key, err := def.ExtractKey(fields)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	// Extraction is deterministic and respects part order.
	def2 := NewDef(1, 2)
	key2, err := def2.ExtractKey(fields)
	require.NoError(t, err)
	assert.NotEqual(t, key, key2)

	_, err = NewDef(5).ExtractKey(fields)
	assert.ErrorIs(t, err, ErrKeyFieldMissing)
}

func TestDefClone(t *testing.T) {
	def := NewDef(0, 2)
	clone := def.Clone()
	require.Equal(t, def.Parts, clone.Parts)

	clone.Parts[0] = 9
	assert.Equal(t, 0, def.Parts[0], "clone must not share backing array")
}

func TestTupleRoundTrip(t *testing.T) {
	f := NewFormat(3)
	fields := [][]byte{[]byte("id7"), []byte("name"), {}}

	data := f.EncodeTuple(fields)
	got, err := f.DecodeTuple(data)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("id7"), got[0])
	assert.Empty(t, got[2])

	_, err = f.DecodeTuple([]byte{})
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestSurrogateDelete(t *testing.T) {
	f := NewFormat(3)
	def := NewDef(0)
	fields := [][]byte{[]byte("pk"), []byte("payload"), []byte("more")}
	key, err := def.ExtractKey(fields)
	require.NoError(t, err)

	old := &Statement{Key: key, Tuple: f.EncodeTuple(fields), LSN: 42, Kind: KindReplace}
	del, err := f.SurrogateDelete(def, old)
	require.NoError(t, err)

	assert.Equal(t, KindDelete, del.Kind)
	assert.Equal(t, old.LSN, del.LSN)
	assert.Equal(t, old.Key, del.Key)

	// Non-key fields are wiped, key fields survive.
	got, err := f.DecodeTuple(del.Tuple)
	require.NoError(t, err)
	assert.Equal(t, []byte("pk"), got[0])
	assert.Empty(t, got[1])
	assert.Empty(t, got[2])
}
