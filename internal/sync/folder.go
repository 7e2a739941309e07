package sync

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/DougieWougie/davsync/internal/daverr"
	"github.com/DougieWougie/davsync/internal/remote"
	"github.com/DougieWougie/davsync/internal/store"
)

// FolderState tracks where a folder sync is in its lifecycle.
type FolderState int

const (
	StateIdle FolderState = iota
	StateScanning
	StateReconciling
	StateTransferring
	StatePersisting
	StateDone
	StateFailed
)

func (s FolderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateReconciling:
		return "reconciling"
	case StateTransferring:
		return "transferring"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats accumulates per-folder outcomes across one sync pass.
type Stats struct {
	Uploaded   int
	Downloaded int
	Conflicts  int
	Errors     int
	Unchanged  int
	Frozen     int
}

func (s *Stats) add(o Stats) {
	s.Uploaded += o.Uploaded
	s.Downloaded += o.Downloaded
	s.Conflicts += o.Conflicts
	s.Errors += o.Errors
	s.Unchanged += o.Unchanged
	s.Frozen += o.Frozen
}

// Orchestrator drives one folder through scan, reconcile, transfer, and
// persist. A single file's failure is recorded on its record and never
// aborts the folder; the scan watermarks advance only when both
// enumeration phases completed.
type Orchestrator struct {
	store     *store.Store
	remote    remote.Remote
	exec      *Executor
	conflicts *ConflictManager
	logger    *slog.Logger
	events    notifier

	state FolderState
}

// NewOrchestrator creates a folder orchestrator. events may be nil.
func NewOrchestrator(st *store.Store, rem remote.Remote, exec *Executor, cm *ConflictManager, logger *slog.Logger, events chan<- Event) *Orchestrator {
	return &Orchestrator{
		store:     st,
		remote:    rem,
		exec:      exec,
		conflicts: cm,
		logger:    logger,
		events:    notifier{ch: events},
		state:     StateIdle,
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() FolderState {
	return o.state
}

// SyncFolder runs one full pass over a folder. The returned stats are
// valid even when err is non-nil; err reports enumeration-phase
// failures, which leave the watermarks untouched.
func (o *Orchestrator) SyncFolder(ctx context.Context, folder *store.FolderConfig) (Stats, error) {
	var stats Stats

	logger := o.logger.With(
		slog.Int64("folder_id", folder.ID),
		slog.String("local_root", folder.LocalRoot),
	)

	// Scanning phase. A root that cannot even be enumerated must not
	// advance the watermark, or the next run would reconcile against
	// phantom "no change" assumptions.
	o.state = StateScanning
	scanStart := time.Now()

	scan, err := ScanTree(folder.LocalRoot, logger)
	if err != nil {
		o.state = StateFailed
		return stats, fmt.Errorf("scanning local tree: %w", err)
	}

	listStart := time.Now()

	remoteFiles, err := o.listRemoteTree(ctx, folder.RemoteRoot)
	if err != nil {
		o.state = StateFailed
		return stats, fmt.Errorf("listing remote tree: %w", err)
	}

	// Reconciling phase: merge both listings with the persisted records
	// into one set of relative paths.
	o.state = StateReconciling

	records, err := o.store.FilesForFolder(folder.ID)
	if err != nil {
		o.state = StateFailed
		return stats, fmt.Errorf("loading file records: %w", err)
	}

	recordsByRel := make(map[string]*store.FileRecord, len(records))
	for i := range records {
		rel := relFromRemote(folder.RemoteRoot, records[i].RemotePath)
		recordsByRel[rel] = &records[i]
	}

	paths := mergePaths(scan.Files, remoteFiles, recordsByRel)

	o.events.send(Event{Type: EventFolderStart, FolderID: folder.ID, Total: len(paths)})
	logger.Info("reconciling folder",
		slog.Int("local", len(scan.Files)),
		slog.Int("remote", len(remoteFiles)),
		slog.Int("tracked", len(recordsByRel)),
	)

	// Transferring phase: every path is attempted; per-file failures
	// are recorded and skipped over.
	o.state = StateTransferring

	for i, rel := range paths {
		if err := ctx.Err(); err != nil {
			o.state = StateFailed
			return stats, err
		}

		prev := recordsByRel[rel]

		var local *LocalEntry
		if le, ok := scan.Files[rel]; ok {
			local = &le
		}

		var rem *remote.Entry
		if re, ok := remoteFiles[rel]; ok {
			rem = &re
		}

		action := o.syncPath(ctx, folder, rel, prev, local, rem, &stats)
		o.events.send(Event{
			Type:     EventFile,
			FolderID: folder.ID,
			Path:     rel,
			Action:   action,
			Current:  i + 1,
			Total:    len(paths),
		})
	}

	// Persisting phase: both watermarks move together, stamped with the
	// times enumeration began, so anything modified mid-run is observed
	// again next pass.
	o.state = StatePersisting

	if err := o.store.SetWatermarks(folder.ID, scanStart, listStart); err != nil {
		o.state = StateFailed
		return stats, fmt.Errorf("updating scan watermarks: %w", err)
	}

	folder.LastLocalScan = &scanStart
	folder.LastRemoteScan = &listStart

	o.state = StateDone
	o.events.send(Event{Type: EventFolderDone, FolderID: folder.ID})
	logger.Info("folder sync complete",
		slog.Int("uploaded", stats.Uploaded),
		slog.Int("downloaded", stats.Downloaded),
		slog.Int("conflicts", stats.Conflicts),
		slog.Int("errors", stats.Errors),
	)

	return stats, nil
}

// syncPath reconciles and executes one path, isolating failures to the
// file's record. Returns the decided action for progress reporting.
func (o *Orchestrator) syncPath(ctx context.Context, folder *store.FolderConfig, rel string, prev *store.FileRecord, local *LocalEntry, rem *remote.Entry, stats *Stats) Action {
	// A pending conflict freezes the file until the user resolves it.
	if prev != nil && prev.SyncStatus == store.StatusConflict {
		stats.Frozen++
		return ActionConflict
	}

	action := Decide(prev, local, rem, folder.TwoWaySync)

	var err error

	switch action {
	case ActionNone:
		stats.Unchanged++
	case ActionUpload, ActionUploadNew:
		if err = o.upload(ctx, folder, rel, prev, local); err == nil {
			stats.Uploaded++
		}
	case ActionDownload, ActionDownloadNew:
		if err = o.download(ctx, folder, rel, prev, rem); err == nil {
			stats.Downloaded++
		}
	case ActionConflict:
		if err = o.conflict(folder, rel, prev, local, rem); err == nil {
			stats.Conflicts++
		}
	}

	if err != nil {
		stats.Errors++
		o.logger.Warn("file sync failed",
			slog.Int64("folder_id", folder.ID),
			slog.String("path", rel),
			slog.String("action", action.String()),
			slog.String("error", err.Error()),
		)
	}

	return action
}

// upload pushes the local file and refreshes its record. The record is
// marked SYNCING for the duration so an interrupted run never shows a
// half-finished transfer as synced.
func (o *Orchestrator) upload(ctx context.Context, folder *store.FolderConfig, rel string, prev *store.FileRecord, local *LocalEntry) error {
	localPath := filepath.Join(folder.LocalRoot, filepath.FromSlash(rel))
	remotePath := path.Join(folder.RemoteRoot, rel)

	rec := o.ensureRecord(folder, rel, prev, localPath, remotePath)
	rec.SyncStatus = store.StatusSyncing

	if err := o.store.UpsertFile(rec); err != nil {
		return err
	}

	res, err := o.exec.Upload(ctx, localPath, remotePath)
	if err != nil {
		o.recordError(rec)
		return err
	}

	now := time.Now()
	rec.Size = local.Size
	rec.LocalHash = local.Hash
	rec.ETag = res.ETag
	rec.RemoteHash = res.ETag
	rec.LocalModified = &local.MTime
	rec.RemoteModified = &res.RemoteMTime
	rec.SyncStatus = store.StatusSynced
	rec.LastSync = &now

	return o.store.UpsertFile(rec)
}

// download pulls the remote file and refreshes its record.
func (o *Orchestrator) download(ctx context.Context, folder *store.FolderConfig, rel string, prev *store.FileRecord, rem *remote.Entry) error {
	localPath := filepath.Join(folder.LocalRoot, filepath.FromSlash(rel))
	remotePath := path.Join(folder.RemoteRoot, rel)

	rec := o.ensureRecord(folder, rel, prev, localPath, remotePath)
	rec.SyncStatus = store.StatusSyncing

	if err := o.store.UpsertFile(rec); err != nil {
		return err
	}

	dl, err := o.exec.Download(ctx, remotePath, localPath, rem.Size)
	if err != nil {
		o.recordError(rec)
		return err
	}

	now := time.Now()
	rec.Size = dl.Size
	rec.LocalHash = dl.Hash
	rec.ETag = rem.ETag
	rec.RemoteHash = rem.ETag
	rec.LocalModified = &dl.LocalMTime
	rec.RemoteModified = &rem.MTime
	rec.SyncStatus = store.StatusSynced
	rec.LastSync = &now

	return o.store.UpsertFile(rec)
}

// conflict persists the divergence. The record must exist first so the
// conflict row has a file to reference.
func (o *Orchestrator) conflict(folder *store.FolderConfig, rel string, prev *store.FileRecord, local *LocalEntry, rem *remote.Entry) error {
	localPath := filepath.Join(folder.LocalRoot, filepath.FromSlash(rel))
	remotePath := path.Join(folder.RemoteRoot, rel)

	rec := o.ensureRecord(folder, rel, prev, localPath, remotePath)
	if rec.ID == 0 {
		if err := o.store.UpsertFile(rec); err != nil {
			return err
		}
	}

	localSnap := Snapshot{Path: localPath}
	if local != nil {
		localSnap.Modified = &local.MTime
		localSnap.Size = local.Size
		localSnap.Hash = local.Hash
	}

	remoteSnap := Snapshot{Path: remotePath}
	if rem != nil {
		remoteSnap.Modified = &rem.MTime
		remoteSnap.Size = rem.Size
		remoteSnap.Hash = rem.ETag
	}

	_, err := o.conflicts.Detect(rec.ID, localSnap, remoteSnap)

	return err
}

// ensureRecord returns the existing record or a fresh skeleton for a
// path first seen this run.
func (o *Orchestrator) ensureRecord(folder *store.FolderConfig, rel string, prev *store.FileRecord, localPath, remotePath string) *store.FileRecord {
	if prev != nil {
		return prev
	}

	name := path.Base(rel)

	return &store.FileRecord{
		FolderID:   folder.ID,
		LocalPath:  localPath,
		RemotePath: remotePath,
		FileName:   name,
		MimeType:   mime.TypeByExtension(path.Ext(name)),
		SyncStatus: store.StatusPendingUpload,
	}
}

// recordError parks the record in ERROR without touching its hashes, so
// the next run re-evaluates the path from the last known-good state.
func (o *Orchestrator) recordError(rec *store.FileRecord) {
	rec.SyncStatus = store.StatusError
	if err := o.store.UpsertFile(rec); err != nil {
		o.logger.Warn("persisting error status failed",
			slog.String("path", rec.RemotePath),
			slog.String("error", err.Error()),
		)
	}
}

// listRemoteTree walks the remote root one directory level at a time,
// recursing into subdirectories, and returns files keyed by relative
// path. Level-at-a-time traversal bounds memory on deep trees. A
// missing root is an empty listing, not an error; the first upload
// creates it.
func (o *Orchestrator) listRemoteTree(ctx context.Context, root string) (map[string]remote.Entry, error) {
	files := make(map[string]remote.Entry)
	queue := []string{root}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := o.remote.List(ctx, dir)
		if err != nil {
			if dir == root && daverr.IsNotFound(err) {
				return files, nil
			}

			return nil, err
		}

		for _, e := range entries {
			if e.IsDir {
				queue = append(queue, e.Path)
				continue
			}

			rel := relFromRemote(root, e.Path)
			if rel == "" {
				continue
			}

			files[NormalizePath(rel)] = e
		}
	}

	return files, nil
}

// relFromRemote strips the folder's remote root prefix from a full
// remote path.
func relFromRemote(root, full string) string {
	root = strings.TrimSuffix(root, "/")
	rel := strings.TrimPrefix(full, root)

	return strings.TrimPrefix(rel, "/")
}

// mergePaths produces the sorted union of relative paths seen locally,
// remotely, or in the persisted records.
func mergePaths(local map[string]LocalEntry, rem map[string]remote.Entry, records map[string]*store.FileRecord) []string {
	set := make(map[string]struct{}, len(local)+len(rem)+len(records))

	for p := range local {
		set[p] = struct{}{}
	}

	for p := range rem {
		set[p] = struct{}{}
	}

	for p := range records {
		set[p] = struct{}{}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}
