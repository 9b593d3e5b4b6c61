package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filestore/internal/store"
)

type recordingForgetter struct {
	mu    sync.Mutex
	codes []string
}

func (f *recordingForgetter) Forget(ctx context.Context, purged []store.PurgedCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range purged {
		f.codes = append(f.codes, p.Code)
	}
}

func (f *recordingForgetter) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "filestore.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReaper_RunOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, st.StoreSingle(ctx, &store.FileRecord{Code: "OLDFILE1", PayloadRef: 1, Owner: 1, CreatedAt: now.Add(-61 * time.Second)}))
	require.NoError(t, st.StoreSingle(ctx, &store.FileRecord{Code: "NEWFILE1", PayloadRef: 2, Owner: 1, CreatedAt: now.Add(-59 * time.Second)}))
	_, err := st.StoreBatch(ctx, "OLDBATCH", 1, now.Add(-2*time.Minute), []int64{3, 4})
	require.NoError(t, err)

	forget := &recordingForgetter{}
	r := New(st, forget, Config{})
	r.now = func() time.Time { return now }

	t.Run("DisabledDoesNothing", func(t *testing.T) {
		require.NoError(t, st.SaveRetention(ctx, store.Retention{Enabled: false, Window: time.Minute}))
		res, err := r.RunOnce(ctx)
		require.NoError(t, err)
		require.False(t, res.Active)

		_, err = st.Lookup(ctx, "OLDFILE1")
		require.NoError(t, err)
	})

	t.Run("ZeroWindowDoesNothing", func(t *testing.T) {
		require.NoError(t, st.SaveRetention(ctx, store.Retention{Enabled: true, Window: 0}))
		res, err := r.RunOnce(ctx)
		require.NoError(t, err)
		require.False(t, res.Active)
	})

	t.Run("PurgesExpired", func(t *testing.T) {
		require.NoError(t, st.SaveRetention(ctx, store.Retention{Enabled: true, Window: time.Minute}))
		res, err := r.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, res.Active)
		require.Len(t, res.Purged, 2)
		require.ElementsMatch(t, []string{"OLDFILE1", "OLDBATCH"}, forget.seen())

		_, err = st.Lookup(ctx, "OLDFILE1")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.Lookup(ctx, "OLDBATCH")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.Lookup(ctx, "NEWFILE1")
		require.NoError(t, err)
	})
}

func TestReaper_LoopPicksUpRetentionChanges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.StoreSingle(ctx, &store.FileRecord{Code: "STALE001", PayloadRef: 1, Owner: 1, CreatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, st.SeedRetention(ctx, time.Minute))

	forget := &recordingForgetter{}
	r := New(st, forget, Config{ActiveInterval: 5 * time.Millisecond, IdleInterval: 5 * time.Millisecond})
	r.Start(ctx)
	defer r.Stop()

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, forget.seen(), "seeded retention is disabled")

	require.NoError(t, st.SaveRetention(ctx, store.Retention{Enabled: true, Window: time.Minute}))
	require.Eventually(t, func() bool {
		return len(forget.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

type failingStore struct {
	loads atomic.Int32
}

func (f *failingStore) LoadRetention(ctx context.Context, fallback time.Duration) (store.Retention, error) {
	f.loads.Add(1)
	return store.Retention{}, errors.New("database is locked")
}

func (f *failingStore) DeleteOlderThan(ctx context.Context, window time.Duration, now time.Time) ([]store.PurgedCode, error) {
	return nil, nil
}

func TestReaper_KeepsRunningAfterErrors(t *testing.T) {
	fs := &failingStore{}
	r := New(fs, nil, Config{ActiveInterval: time.Millisecond, IdleInterval: time.Millisecond})

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)

	r.Start(context.Background())
	require.Eventually(t, func() bool { return fs.loads.Load() >= 3 }, 2*time.Second, time.Millisecond)
	r.Stop()
}
