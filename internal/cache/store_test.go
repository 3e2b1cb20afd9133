package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "/global-storage"

func TestProvisionCreatesMissingDirectory(t *testing.T) {
	fsys := memfs.New()
	store := newReadyStore(t, fsys, Options{})

	assert.True(t, store.Available())
	assert.Equal(t, Available, store.State())
	assert.Equal(t, filepath.Join(testBase, DirName), store.Path())

	info, err := fsys.Stat(store.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestProvisionUsesExistingDirectory(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, fsys.MkdirAll(filepath.Join(testBase, DirName), 0o755))

	store := newReadyStore(t, fsys, Options{})
	assert.True(t, store.Available())
}

func TestProvisionFailureLeavesStoreUnavailable(t *testing.T) {
	fsys := &faultyFS{Filesystem: memfs.New(), mkdirErr: errors.New("read-only filesystem")}
	store := NewBlobStore(fsys, testBase, Options{})

	ok, err := store.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Unavailable, store.State())

	_, err = store.Put(context.Background(), "a.png", bytes.NewReader([]byte("img")))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestProvisionRejectsFileInPlaceOfDirectory(t *testing.T) {
	fsys := memfs.New()
	f, err := fsys.Create(filepath.Join(testBase, DirName))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store := NewBlobStore(fsys, testBase, Options{})
	ok, err := store.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAvailabilityIsFalseUntilProvisioned(t *testing.T) {
	gate := make(chan struct{})
	fsys := &faultyFS{Filesystem: memfs.New(), statGate: gate}
	store := NewBlobStore(fsys, testBase, Options{})

	assert.False(t, store.Available())
	assert.Equal(t, Uninitialized, store.State())
	_, err := store.Put(context.Background(), "early.png", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = store.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	ok, err := store.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, store.Available())
}

func TestPutAndGet(t *testing.T) {
	store := newReadyStore(t, memfs.New(), Options{})
	name := BlobName("dev@example.com", "png")

	payload := []byte("png-bytes")
	entry, err := store.Put(context.Background(), name, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), entry.SizeBytes)
	assert.Equal(t, filepath.Join(store.Path(), name), entry.FilePath)

	result, err := store.Get(context.Background(), name)
	require.NoError(t, err)
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
	assert.Equal(t, int64(len(payload)), result.Entry.SizeBytes)
}

func TestPutOnLocalFilesystem(t *testing.T) {
	base := t.TempDir()
	store := NewBlobStore(osfs.New("/"), base, Options{})
	ok, err := store.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.Put(context.Background(), "a.jpg", bytes.NewReader([]byte("jpeg")))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, DirName, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	entries, err := os.ReadDir(filepath.Join(base, DirName))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")
}

func TestGetMissing(t *testing.T) {
	store := newReadyStore(t, memfs.New(), Options{})
	_, err := store.Get(context.Background(), "missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	store := newReadyStore(t, memfs.New(), Options{})
	_, err := store.Put(context.Background(), "gone.png", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, store.Remove(context.Background(), "gone.png"))
	_, err = store.Get(context.Background(), "gone.png")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, store.Remove(context.Background(), "gone.png"), "removing twice is a no-op")
}

func TestRejectsPathLikeNames(t *testing.T) {
	store := newReadyStore(t, memfs.New(), Options{})
	for _, name := range []string{"", ".", "..", "../escape.png", "nested/a.png", `win\a.png`} {
		_, err := store.Put(context.Background(), name, bytes.NewReader(nil))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestClearRemovesEveryFile(t *testing.T) {
	store := newReadyStore(t, memfs.New(), Options{})
	for _, name := range []string{"a.png", "b.png", "c.jpg"} {
		_, err := store.Put(context.Background(), name, bytes.NewReader([]byte(name)))
		require.NoError(t, err)
	}

	sweep := store.Clear()
	assert.Equal(t, 3, sweep.Requested())

	result := sweep.Wait()
	assert.Equal(t, SweepResult{Requested: 3, Removed: 3}, result)

	for _, name := range []string{"a.png", "b.png", "c.jpg"} {
		_, err := store.Get(context.Background(), name)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestClearRunsConcurrentlyWithWrites(t *testing.T) {
	store := newReadyStore(t, memfs.New(), Options{})
	names := make([]string, 0, 24)
	for i := 0; i < 24; i++ {
		name := fmt.Sprintf("avatar-%02d.png", i)
		names = append(names, name)
		_, err := store.Put(context.Background(), name, bytes.NewReader([]byte(name)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Put(context.Background(), fmt.Sprintf("late-%d.png", i), bytes.NewReader([]byte("late")))
			assert.NoError(t, err)
		}(i)
	}
	sweep := store.Clear()
	wg.Wait()

	result := sweep.Wait()
	assert.Equal(t, result.Requested, result.Removed)
	assert.Zero(t, result.Failed)
	assert.GreaterOrEqual(t, result.Requested, len(names))

	for _, name := range names {
		_, err := store.Get(context.Background(), name)
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
}

func TestCloseWaitsForProvisioning(t *testing.T) {
	gate := make(chan struct{})
	fsys := &faultyFS{Filesystem: memfs.New(), statGate: gate}
	store := NewBlobStore(fsys, testBase, Options{})

	closed := make(chan struct{})
	go func() {
		store.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before provisioning finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	<-closed

	info, err := fsys.Filesystem.Stat(store.Path())
	require.NoError(t, err, "directory is created before Close returns")
	assert.True(t, info.IsDir())
}

func TestCloseWaitsForSweep(t *testing.T) {
	store := newReadyStore(t, memfs.New(), Options{})
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		_, err := store.Put(context.Background(), name, bytes.NewReader([]byte(name)))
		require.NoError(t, err)
	}

	store.Clear()
	store.Close()

	infos, err := store.fs.ReadDir(store.Path())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestClearContinuesPastFailures(t *testing.T) {
	fsys := &faultyFS{Filesystem: memfs.New(), removeFailures: map[string]int{}}
	store := newReadyStore(t, fsys, Options{ClearPolicy: ClearLog})
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		_, err := store.Put(context.Background(), name, bytes.NewReader([]byte(name)))
		require.NoError(t, err)
	}
	fsys.failRemove(filepath.Join(store.Path(), "b.png"), 100)

	result := store.Clear().Wait()
	assert.Equal(t, 3, result.Requested)
	assert.Equal(t, 2, result.Removed)
	assert.Equal(t, 1, result.Failed)

	_, err := store.Get(context.Background(), "b.png")
	assert.NoError(t, err, "failed deletion leaves the file in place")
}

func TestClearRetryPolicy(t *testing.T) {
	fsys := &faultyFS{Filesystem: memfs.New(), removeFailures: map[string]int{}}
	store := newReadyStore(t, fsys, Options{ClearPolicy: ClearRetry, ClearRetries: 2})
	_, err := store.Put(context.Background(), "flaky.png", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	fsys.failRemove(filepath.Join(store.Path(), "flaky.png"), 2)

	result := store.Clear().Wait()
	assert.Equal(t, SweepResult{Requested: 1, Removed: 1}, result)
}

func TestClearWithoutDirectoryIsEmptySweep(t *testing.T) {
	fsys := &faultyFS{Filesystem: memfs.New(), mkdirErr: errors.New("denied")}
	store := NewBlobStore(fsys, testBase, Options{})
	_, _ = store.Wait(context.Background())

	result := store.Clear().Wait()
	assert.Equal(t, SweepResult{}, result)
}

func TestBlobNameIsStable(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", BlobName("", ""))
	assert.Equal(t, BlobName("dev@example.com", "png"), BlobName("dev@example.com", ".png"))
	assert.NotEqual(t, BlobName("a@example.com", "png"), BlobName("b@example.com", "png"))
	assert.Regexp(t, `^[0-9a-f]{32}\.png$`, BlobName("dev@example.com", "png"))
}

func TestFreshnessPolicy(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := NewFreshnessPolicy(14*24*time.Hour, 4*24*time.Hour)
	policy.now = func() time.Time { return now }

	fiveDaysAgo := now.Add(-5 * 24 * time.Hour).UnixMilli()
	assert.False(t, policy.Expired(fiveDaysAgo, false))
	assert.True(t, policy.Expired(fiveDaysAgo, true))
	assert.True(t, policy.Expired(now.Add(-15*24*time.Hour).UnixMilli(), false))

	forever := NewFreshnessPolicy(0, 0)
	assert.False(t, forever.Expired(0, true))
}

func newReadyStore(t *testing.T, fsys billy.Filesystem, opts Options) *BlobStore {
	t.Helper()
	store := NewBlobStore(fsys, testBase, opts)
	ok, err := store.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "avatar storage should be available")
	return store
}

// faultyFS injects provisioning and deletion faults on top of memfs.
type faultyFS struct {
	billy.Filesystem

	statGate chan struct{}
	mkdirErr error

	mu             sync.Mutex
	removeFailures map[string]int
}

func (f *faultyFS) Stat(name string) (os.FileInfo, error) {
	if f.statGate != nil {
		<-f.statGate
	}
	return f.Filesystem.Stat(name)
}

func (f *faultyFS) MkdirAll(name string, perm os.FileMode) error {
	if f.mkdirErr != nil {
		return f.mkdirErr
	}
	return f.Filesystem.MkdirAll(name, perm)
}

func (f *faultyFS) Remove(name string) error {
	f.mu.Lock()
	if f.removeFailures[name] > 0 {
		f.removeFailures[name]--
		f.mu.Unlock()
		return errors.New("device busy")
	}
	f.mu.Unlock()
	return f.Filesystem.Remove(name)
}

func (f *faultyFS) failRemove(name string, times int) {
	f.mu.Lock()
	f.removeFailures[name] = times
	f.mu.Unlock()
}
