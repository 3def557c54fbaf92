package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testStores returns every backend that runs without external services.
// Redis joins the list when REDIS_ADDR is set.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "store.json"), "test"),
	}

	sealer, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	stores["file-sealed"] = NewFileStore(
		filepath.Join(t.TempDir(), "sealed.json"), "test", WithSealer(sealer),
	)

	sq, err := OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "store.db"), "test")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	stores["sqlite"] = sq

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
		rs, err := NewRedisStore(ctx, RedisConfig{
			Addr:   addr,
			DB:     db,
			Prefix: "session-cli-test-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		})
		require.NoError(t, err)
		t.Cleanup(func() { rs.Close() })
		stores["redis"] = rs
	}

	return stores
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "user", `{"id":"u1"}`, 0))
			got, err := store.Get(ctx, "user")
			require.NoError(t, err)
			require.Equal(t, `{"id":"u1"}`, got)

			// last write wins
			require.NoError(t, store.Set(ctx, "user", `{"id":"u2"}`, 0))
			got, err = store.Get(ctx, "user")
			require.NoError(t, err)
			require.Equal(t, `{"id":"u2"}`, got)

			require.NoError(t, store.Delete(ctx, "user"))
			_, err = store.Get(ctx, "user")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Delete(ctx, "user"), "deleting a missing key is a no-op")
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }

	mem := NewMemoryStore()
	mem.now = clock
	file := NewFileStore(filepath.Join(t.TempDir(), "store.json"), "test")
	file.now = clock
	sq, err := OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "store.db"), "test")
	require.NoError(t, err)
	defer sq.Close()
	sq.now = clock

	for name, store := range map[string]Store{"memory": mem, "file": file, "sqlite": sq} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, "token", "abc", time.Hour))

			got, err := store.Get(ctx, "token")
			require.NoError(t, err)
			require.Equal(t, "abc", got)

			now = now.Add(2 * time.Hour)
			_, err = store.Get(ctx, "token")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStore_ConcurrentWritesKeepEveryKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	const goroutines = 10
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := range goroutines {
		go func(id int) {
			defer wg.Done()
			store := NewFileStore(path, "profile-"+strconv.Itoa(id))
			if err := store.Set(ctx, "token", fmt.Sprintf("token-%d", id), time.Hour); err != nil {
				t.Errorf("goroutine %d: set failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	for i := range goroutines {
		got, err := NewFileStore(path, "profile-"+strconv.Itoa(i)).Get(ctx, "token")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("token-%d", i), got)
	}

	_, err := os.Stat(path + ".lock")
	require.True(t, os.IsNotExist(err), "lock file should be removed")
}

func TestFileStore_PreservesOtherNamespaces(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	prod := NewFileStore(path, "prod")
	staging := NewFileStore(path, "staging")

	require.NoError(t, prod.Set(ctx, "token", "prod-token", 0))
	require.NoError(t, staging.Set(ctx, "token", "staging-token", 0))
	require.NoError(t, staging.Delete(ctx, "token"))

	got, err := prod.Get(ctx, "token")
	require.NoError(t, err)
	require.Equal(t, "prod-token", got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var data fileData
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Contains(t, data.Namespaces, "prod")
	require.NotContains(t, data.Namespaces, "staging", "empty namespaces are dropped")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_CorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store := NewFileStore(path, "test")
	_, err := store.Get(ctx, "token")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "token", "fresh", 0), "a corrupt file is replaced on write")
	got, err := store.Get(ctx, "token")
	require.NoError(t, err)
	require.Equal(t, "fresh", got)
}

func TestFileStore_SealedValuesAreNotPlaintext(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	sealer, err := NewSealer([]byte("correct horse battery staple"))
	require.NoError(t, err)
	store := NewFileStore(path, "test", WithSealer(sealer))
	require.NoError(t, store.Set(ctx, "token", "super-secret-access-token", 0))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "super-secret-access-token")

	other, err := NewSealer([]byte("a different secret"))
	require.NoError(t, err)
	_, err = NewFileStore(path, "test", WithSealer(other)).Get(ctx, "token")
	require.ErrorIs(t, err, ErrSealed)
}

func TestSealer(t *testing.T) {
	t.Parallel()

	_, err := NewSealer(nil)
	require.Error(t, err)

	s, err := NewSealer([]byte("secret"))
	require.NoError(t, err)

	a, err := s.Seal("hello")
	require.NoError(t, err)
	b, err := s.Seal("hello")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonces must differ between seals")

	got, err := s.Open(a)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	_, err = s.Open("not-base64!")
	require.ErrorIs(t, err, ErrSealed)
	_, err = s.Open("AAAA")
	require.ErrorIs(t, err, ErrSealed)
}
