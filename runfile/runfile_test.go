package runfile

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terndb/tern/compression"
	"github.com/terndb/tern/keys"
)

func testWriter(t *testing.T, dir string, runID int64) *Writer {
	t.Helper()
	w, err := NewWriter(WriterOpts{
		Dir:         dir,
		RunID:       runID,
		BloomFPR:    0.01,
		PageSize:    128, // tiny pages so tests hit multiple
		Compression: compression.S2,
	})
	require.NoError(t, err)
	return w
}

func stmt(key string, lsn int64) *keys.Statement {
	return &keys.Statement{
		Key:   keys.UserKey(key),
		Tuple: []byte("value-" + key),
		LSN:   lsn,
		Kind:  keys.KindReplace,
	}
}

func TestWriteCommitReadBack(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(t, dir, 1)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, w.AppendStmt(stmt(fmt.Sprintf("key%06d", i), int64(i+1))))
	}
	info, err := w.Commit()
	require.NoError(t, err)

	assert.Equal(t, int64(n), info.Count)
	assert.Greater(t, info.Pages, int64(1))
	assert.Equal(t, keys.UserKey("key000000"), info.MinKey)
	assert.Equal(t, keys.UserKey(fmt.Sprintf("key%06d", n-1)), info.MaxKey)
	assert.Equal(t, int64(1), info.MinLSN)
	assert.Equal(t, int64(n), info.MaxLSN)

	r, err := OpenReader(dir, 1, compression.S2)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, info.Count, r.Info().Count)

	it := r.NewIterator()
	var count int
	var last *keys.Statement
	for s := it.Next(); s != nil; s = it.Next() {
		if last != nil {
			assert.Negative(t, last.Compare(s), "statements must come back sorted")
		}
		last = s
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, n, count)
}

func TestBloomFilter(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(t, dir, 2)
	for i := 0; i < 100; i++ {
		require.NoError(t, w.AppendStmt(stmt(fmt.Sprintf("present%03d", i), int64(i+1))))
	}
	_, err := w.Commit()
	require.NoError(t, err)

	r, err := OpenReader(dir, 2, compression.S2)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 100; i++ {
		assert.True(t, r.MayContain(keys.UserKey(fmt.Sprintf("present%03d", i))))
	}
	misses := 0
	for i := 0; i < 1000; i++ {
		if !r.MayContain(keys.UserKey(fmt.Sprintf("absent%04d", i))) {
			misses++
		}
	}
	assert.Greater(t, misses, 900, "bloom filter should reject most absent keys")
}

func TestOutOfOrderAppendRejected(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(t, dir, 3)
	require.NoError(t, w.AppendStmt(stmt("b", 1)))
	assert.ErrorIs(t, w.AppendStmt(stmt("a", 1)), ErrWriterMisuse)
	w.Abort()
}

func TestAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(t, dir, 4)
	require.NoError(t, w.AppendStmt(stmt("a", 1)))
	w.Abort()

	_, err := os.Stat(Path(dir, 4))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveFiles(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(t, dir, 5)
	require.NoError(t, w.AppendStmt(stmt("a", 1)))
	_, err := w.Commit()
	require.NoError(t, err)

	require.NoError(t, RemoveFiles(dir, 5))
	_, err = os.Stat(Path(dir, 5))
	assert.True(t, os.IsNotExist(err))

	// Removing a missing run is not an error; recovery retries.
	assert.NoError(t, RemoveFiles(dir, 5))
}

func TestTombstonesSurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := testWriter(t, dir, 6)
	del := &keys.Statement{Key: keys.UserKey("gone"), LSN: 9, Kind: keys.KindDelete}
	require.NoError(t, w.AppendStmt(del))
	_, err := w.Commit()
	require.NoError(t, err)

	r, err := OpenReader(dir, 6, compression.S2)
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator()
	got := it.Next()
	require.NotNil(t, got)
	assert.Equal(t, keys.KindDelete, got.Kind)
	assert.Empty(t, got.Tuple)
	assert.Nil(t, it.Next())
	require.NoError(t, it.Err())
}
