package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DougieWougie/davsync/internal/daverr"
	"github.com/DougieWougie/davsync/internal/store"
)

type folderFixture struct {
	store  *store.Store
	remote *fakeRemote
	orch   *Orchestrator
	folder *store.FolderConfig
	root   string
}

func newFolderFixture(t *testing.T, twoWay bool) *folderFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	folder := &store.FolderConfig{
		AccountID:   "alice@dav.example.com",
		LocalRoot:   root,
		RemoteRoot:  "/sync/docs",
		SyncEnabled: true,
		TwoWaySync:  twoWay,
	}
	require.NoError(t, st.CreateFolder(folder))

	rem := newFakeRemote()
	logger := testLogger()
	exec := NewExecutor(rem, logger)
	cm := NewConflictManager(st, exec, rem, logger)

	return &folderFixture{
		store:  st,
		remote: rem,
		orch:   NewOrchestrator(st, rem, exec, cm, logger, nil),
		folder: folder,
		root:   root,
	}
}

func TestSyncFolderFirstPass(t *testing.T) {
	fx := newFolderFixture(t, true)

	writeFile(t, filepath.Join(fx.root, "local.txt"), "local content")
	fx.remote.seed("/sync/docs/remote.txt", "remote content")
	fx.remote.seed("/sync/docs/nested/deep.txt", "deep content")

	stats, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 2, stats.Downloaded)
	assert.Equal(t, 0, stats.Conflicts)
	assert.Equal(t, 0, stats.Errors)

	// The local creation reached the server.
	ff, ok := fx.remote.files["/sync/docs/local.txt"]
	require.True(t, ok)
	assert.Equal(t, "local content", string(ff.data))

	// The remote files reached disk, nested path included.
	content, err := os.ReadFile(filepath.Join(fx.root, "nested", "deep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep content", string(content))

	// Every record is SYNCED with watermarks advanced.
	records, err := fx.store.FilesForFolder(fx.folder.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	for _, r := range records {
		assert.Equal(t, store.StatusSynced, r.SyncStatus, r.RemotePath)
		assert.NotEmpty(t, r.ETag, r.RemotePath)
		assert.NotEmpty(t, r.LocalHash, r.RemotePath)
	}

	got, err := fx.store.Folder(fx.folder.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastLocalScan)
	assert.NotNil(t, got.LastRemoteScan)
	assert.Equal(t, StateDone, fx.orch.State())
}

func TestSyncFolderIdempotent(t *testing.T) {
	fx := newFolderFixture(t, true)

	writeFile(t, filepath.Join(fx.root, "a.txt"), "content")
	fx.remote.seed("/sync/docs/b.txt", "other content")

	_, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)

	stats, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Uploaded)
	assert.Equal(t, 0, stats.Downloaded)
	assert.Equal(t, 2, stats.Unchanged)
}

func TestSyncFolderBothChangedConflicts(t *testing.T) {
	fx := newFolderFixture(t, true)

	writeFile(t, filepath.Join(fx.root, "a.txt"), "v1")
	_, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)

	// Diverge both sides.
	writeFile(t, filepath.Join(fx.root, "a.txt"), "local v2")
	fx.remote.seed("/sync/docs/a.txt", "remote v2")

	stats, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	rec, err := fx.store.FileByRemotePath(fx.folder.ID, "/sync/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConflict, rec.SyncStatus)

	_, err = fx.store.PendingConflictForFile(rec.ID)
	require.NoError(t, err)

	// Neither copy was touched by a transfer.
	content, err := os.ReadFile(filepath.Join(fx.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "local v2", string(content))
	assert.Equal(t, "remote v2", string(fx.remote.files["/sync/docs/a.txt"].data))

	// Later passes leave the frozen file alone.
	stats, err = fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Conflicts)
	assert.Equal(t, 1, stats.Frozen)
}

func TestSyncFolderDeletionsNeverPropagate(t *testing.T) {
	fx := newFolderFixture(t, true)

	writeFile(t, filepath.Join(fx.root, "keep.txt"), "kept content")
	_, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)

	// Delete locally; the remote copy must be re-materialized.
	require.NoError(t, os.Remove(filepath.Join(fx.root, "keep.txt")))

	stats, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)

	content, err := os.ReadFile(filepath.Join(fx.root, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "kept content", string(content))
}

func TestSyncFolderPerFileFailureIsolation(t *testing.T) {
	fx := newFolderFixture(t, true)

	writeFile(t, filepath.Join(fx.root, "bad.txt"), "will fail")
	writeFile(t, filepath.Join(fx.root, "good.txt"), "will succeed")

	fx.remote.failPut["/sync/docs/bad.txt"] = daverr.Tag(daverr.KindTransient, errors.New("503 service unavailable"))

	stats, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 1, stats.Errors)

	good, err := fx.store.FileByRemotePath(fx.folder.ID, "/sync/docs/good.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSynced, good.SyncStatus)

	bad, err := fx.store.FileByRemotePath(fx.folder.ID, "/sync/docs/bad.txt")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, bad.SyncStatus)

	// Watermarks still advance; the enumeration itself succeeded.
	got, err := fx.store.Folder(fx.folder.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastLocalScan)
}

func TestSyncFolderMissingRemoteRoot(t *testing.T) {
	fx := newFolderFixture(t, true)

	writeFile(t, filepath.Join(fx.root, "first.txt"), "first content")

	// No remote seed: /sync/docs does not exist yet. The first upload
	// creates it.
	stats, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.True(t, fx.remote.dirs["/sync/docs"])
}

func TestSyncFolderDownloadOnly(t *testing.T) {
	fx := newFolderFixture(t, false)

	writeFile(t, filepath.Join(fx.root, "local-only.txt"), "never uploaded")
	fx.remote.seed("/sync/docs/remote.txt", "downloaded")

	stats, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Uploaded)
	assert.Equal(t, 1, stats.Downloaded)

	_, ok := fx.remote.files["/sync/docs/local-only.txt"]
	assert.False(t, ok, "download-only folders never push local files")
}

func TestSyncFolderScanFailureKeepsWatermarks(t *testing.T) {
	fx := newFolderFixture(t, true)

	// Point the folder at a root that no longer exists.
	fx.folder.LocalRoot = filepath.Join(fx.root, "gone")

	_, err := fx.orch.SyncFolder(context.Background(), fx.folder)
	require.Error(t, err)
	assert.Equal(t, StateFailed, fx.orch.State())

	got, err := fx.store.Folder(fx.folder.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastLocalScan)
	assert.Nil(t, got.LastRemoteScan)
}
