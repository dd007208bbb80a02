package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/richardliu001/custody-ledger/internal/repo/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sync.json")
	s := NewFileStore(path)

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.SyncFromBlockHeight)

	require.NoError(t, s.Save(ctx, State{SyncFromBlockHeight: 42, Network: "ethereum"}))
	require.NoError(t, s.Save(ctx, State{SyncFromBlockHeight: 43, Network: "ethereum"}))

	st, err = NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(43), st.SyncFromBlockHeight)
	assert.Equal(t, "ethereum", st.Network)
	assert.False(t, st.UpdatedAt.IsZero())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestDBStore(t *testing.T) {
	ctx := context.Background()
	db := repotest.Open(t)
	a := NewDBStore(db, "worker-a")
	b := NewDBStore(db, "worker-b")

	st, err := a.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.SyncFromBlockHeight)

	require.NoError(t, a.Save(ctx, State{SyncFromBlockHeight: 10}))
	require.NoError(t, a.Save(ctx, State{SyncFromBlockHeight: 11}))
	require.NoError(t, b.Save(ctx, State{SyncFromBlockHeight: 3}))

	st, err = a.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), st.SyncFromBlockHeight)
	st, err = b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.SyncFromBlockHeight)
}
