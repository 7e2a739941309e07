package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/DougieWougie/davsync/internal/daverr"
	"github.com/DougieWougie/davsync/internal/remote"
	"github.com/DougieWougie/davsync/internal/store"
)

// Snapshot captures one side of a file at conflict-detection time.
type Snapshot struct {
	Path     string
	Modified *time.Time
	Size     int64
	Hash     string
}

// ConflictManager materializes detected conflicts into persisted
// records and applies user-chosen resolutions. Resolution is strictly
// user-initiated; nothing here ever auto-picks a side.
type ConflictManager struct {
	store  *store.Store
	exec   *Executor
	remote remote.Remote
	logger *slog.Logger
}

// NewConflictManager creates a conflict manager.
func NewConflictManager(st *store.Store, exec *Executor, rem remote.Remote, logger *slog.Logger) *ConflictManager {
	return &ConflictManager{store: st, exec: exec, remote: rem, logger: logger}
}

// Detect records a PENDING conflict for the file and freezes its
// transfers by flipping the record to CONFLICT. If the file already has
// a pending conflict, the existing record is returned unchanged; a file
// carries at most one open conflict at a time.
func (m *ConflictManager) Detect(fileID int64, local, rem Snapshot) (*store.ConflictRecord, error) {
	c := &store.ConflictRecord{
		FileID:         fileID,
		LocalPath:      local.Path,
		LocalModified:  local.Modified,
		LocalSize:      local.Size,
		LocalHash:      local.Hash,
		RemoteModified: rem.Modified,
		RemoteSize:     rem.Size,
		RemoteHash:     rem.Hash,
		DetectedAt:     time.Now(),
	}

	err := m.store.CreateConflict(c)
	if errors.Is(err, store.ErrConflictPending) {
		return m.store.PendingConflictForFile(fileID)
	}

	if err != nil {
		return nil, fmt.Errorf("recording conflict: %w", err)
	}

	m.logger.Info("conflict detected",
		slog.Int64("file_id", fileID),
		slog.String("path", local.Path),
	)

	return c, nil
}

// Resolve applies the user's choice to a pending conflict and unfreezes
// the file record.
func (m *ConflictManager) Resolve(ctx context.Context, conflictID int64, resolution store.Resolution) error {
	c, err := m.store.Conflict(conflictID)
	if err != nil {
		return fmt.Errorf("loading conflict %d: %w", conflictID, err)
	}

	if c.ResolutionStatus != store.ResolutionPending {
		return fmt.Errorf("conflict %d already resolved as %s", conflictID, c.ResolutionStatus)
	}

	rec, err := m.store.File(c.FileID)
	if err != nil {
		return fmt.Errorf("loading file record %d: %w", c.FileID, err)
	}

	switch resolution {
	case store.ResolutionKeepLocal:
		err = m.keepLocal(ctx, rec)
	case store.ResolutionKeepRemote:
		err = m.keepRemote(ctx, rec)
	case store.ResolutionKeepBoth:
		err = m.keepBoth(ctx, rec)
	default:
		return fmt.Errorf("unsupported resolution %q", resolution)
	}

	if err != nil {
		return err
	}

	if err := m.store.MarkConflictResolved(conflictID, resolution, time.Now()); err != nil {
		return fmt.Errorf("marking conflict %d resolved: %w", conflictID, err)
	}

	m.logger.Info("conflict resolved",
		slog.Int64("conflict_id", conflictID),
		slog.String("resolution", string(resolution)),
		slog.String("path", rec.LocalPath),
	)

	return nil
}

// keepLocal uploads the local version over the remote copy.
func (m *ConflictManager) keepLocal(ctx context.Context, rec *store.FileRecord) error {
	hash, err := HashFile(rec.LocalPath)
	if err != nil {
		return err
	}

	res, err := m.exec.Upload(ctx, rec.LocalPath, rec.RemotePath)
	if err != nil {
		return fmt.Errorf("uploading local version: %w", err)
	}

	info, err := os.Stat(rec.LocalPath)
	if err != nil {
		return daverr.Tag(daverr.KindFile, fmt.Errorf("stating %s: %w", rec.LocalPath, err))
	}

	return m.markSynced(rec, hash, res.ETag, info.ModTime(), res.RemoteMTime, res.Size)
}

// keepRemote downloads the remote version over the local copy.
func (m *ConflictManager) keepRemote(ctx context.Context, rec *store.FileRecord) error {
	entry, err := m.remote.Stat(ctx, rec.RemotePath)
	if err != nil {
		return fmt.Errorf("stating remote version: %w", err)
	}

	dl, err := m.exec.Download(ctx, rec.RemotePath, rec.LocalPath, entry.Size)
	if err != nil {
		return fmt.Errorf("downloading remote version: %w", err)
	}

	return m.markSynced(rec, dl.Hash, entry.ETag, dl.LocalMTime, entry.MTime, dl.Size)
}

// keepBoth renames the local file with a " (local)" suffix and adopts
// the remote version at the original path. The renamed copy is recorded
// immediately as a pending upload so the next pass pushes it to the
// server under its new name.
func (m *ConflictManager) keepBoth(ctx context.Context, rec *store.FileRecord) error {
	renamedLocal := localCopyPath(rec.LocalPath)
	if err := os.Rename(rec.LocalPath, renamedLocal); err != nil {
		return daverr.Tag(daverr.KindFile, fmt.Errorf("renaming local copy: %w", err))
	}

	entry, err := m.remote.Stat(ctx, rec.RemotePath)
	if err != nil {
		return fmt.Errorf("stating remote version: %w", err)
	}

	dl, err := m.exec.Download(ctx, rec.RemotePath, rec.LocalPath, entry.Size)
	if err != nil {
		return fmt.Errorf("downloading remote version: %w", err)
	}

	if err := m.markSynced(rec, dl.Hash, entry.ETag, dl.LocalMTime, entry.MTime, dl.Size); err != nil {
		return err
	}

	renamedInfo, err := os.Stat(renamedLocal)
	if err != nil {
		return daverr.Tag(daverr.KindFile, fmt.Errorf("stating renamed copy: %w", err))
	}

	renamedHash, err := HashFile(renamedLocal)
	if err != nil {
		return err
	}

	mtime := renamedInfo.ModTime()
	renamedRec := &store.FileRecord{
		FolderID:      rec.FolderID,
		LocalPath:     renamedLocal,
		RemotePath:    path.Join(parentDir(rec.RemotePath), filepath.Base(renamedLocal)),
		FileName:      filepath.Base(renamedLocal),
		Size:          renamedInfo.Size(),
		MimeType:      rec.MimeType,
		LocalHash:     renamedHash,
		LocalModified: &mtime,
		SyncStatus:    store.StatusPendingUpload,
	}

	if err := m.store.UpsertFile(renamedRec); err != nil {
		return fmt.Errorf("recording renamed copy: %w", err)
	}

	return nil
}

func (m *ConflictManager) markSynced(rec *store.FileRecord, localHash, etag string, localMTime, remoteMTime time.Time, size int64) error {
	now := time.Now()
	rec.LocalHash = localHash
	rec.ETag = etag
	rec.RemoteHash = etag
	rec.Size = size
	rec.LocalModified = &localMTime
	rec.RemoteModified = &remoteMTime
	rec.SyncStatus = store.StatusSynced
	rec.LastSync = &now

	if err := m.store.UpsertFile(rec); err != nil {
		return fmt.Errorf("updating file record: %w", err)
	}

	return nil
}

// localCopyPath inserts a " (local)" disambiguation suffix before the
// extension, appending a counter when that name is already taken so a
// previous conflict copy is never silently overwritten.
func localCopyPath(p string) string {
	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext)

	candidate := base + " (local)" + ext
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	for i := 2; i <= 100; i++ {
		candidate = fmt.Sprintf("%s (local %d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	// Fallback: timestamp guarantees uniqueness.
	return fmt.Sprintf("%s (local %d)%s", base, time.Now().UnixMilli(), ext)
}
