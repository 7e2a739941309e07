package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/DougieWougie/davsync/internal/daverr"
	"github.com/DougieWougie/davsync/internal/remote"
	"github.com/DougieWougie/davsync/internal/store"
)

// RunResult aggregates one account-wide sync pass.
type RunResult struct {
	Uploaded     int
	Downloaded   int
	Conflicts    int
	Errors       int
	Unchanged    int
	Deferred     int
	FolderErrors int
}

// Runner executes a full sync run: every enabled folder in sequence,
// then the individually tracked files. Folders fail independently; only
// credential errors abort the whole run, since every subsequent request
// would fail the same way.
type Runner struct {
	store     *store.Store
	remote    remote.Remote
	exec      *Executor
	conflicts *ConflictManager
	logger    *slog.Logger
	events    chan<- Event

	accountID string
	metered   func() bool
}

// NewRunner creates a run-level orchestrator. metered reports whether
// the current network connection is metered; wifi-only folders and
// files are deferred while it returns true. events may be nil.
func NewRunner(st *store.Store, rem remote.Remote, exec *Executor, cm *ConflictManager, logger *slog.Logger, accountID string, metered func() bool, events chan<- Event) *Runner {
	if metered == nil {
		metered = func() bool { return false }
	}

	return &Runner{
		store:     st,
		remote:    rem,
		exec:      exec,
		conflicts: cm,
		logger:    logger,
		events:    events,
		accountID: accountID,
		metered:   metered,
	}
}

// Run performs one complete pass. The returned result is valid even
// when err is non-nil.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	var result RunResult

	start := time.Now()
	metered := r.metered()

	folders, err := r.store.EnabledFolders(r.accountID)
	if err != nil {
		return result, fmt.Errorf("loading folders: %w", err)
	}

	r.logger.Info("sync run starting",
		slog.String("account", r.accountID),
		slog.Int("folders", len(folders)),
		slog.Bool("metered", metered),
	)

	for i := range folders {
		folder := &folders[i]

		if err := ctx.Err(); err != nil {
			return result, err
		}

		if folder.WifiOnly && metered {
			result.Deferred++
			r.logger.Info("folder deferred on metered connection",
				slog.Int64("folder_id", folder.ID),
				slog.String("local_root", folder.LocalRoot),
			)

			continue
		}

		orch := NewOrchestrator(r.store, r.remote, r.exec, r.conflicts, r.logger, r.events)

		stats, err := orch.SyncFolder(ctx, folder)
		result.Uploaded += stats.Uploaded
		result.Downloaded += stats.Downloaded
		result.Conflicts += stats.Conflicts
		result.Errors += stats.Errors
		result.Unchanged += stats.Unchanged

		if err != nil {
			if ctx.Err() != nil {
				return result, err
			}

			if daverr.IsAuth(err) {
				return result, fmt.Errorf("folder %d: %w", folder.ID, err)
			}

			result.FolderErrors++
			r.logger.Error("folder sync failed",
				slog.Int64("folder_id", folder.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := r.syncIndividualFiles(ctx, metered, &result); err != nil {
		return result, err
	}

	r.logger.Info("sync run complete",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("conflicts", result.Conflicts),
		slog.Int("errors", result.Errors),
		slog.Int("deferred", result.Deferred),
	)

	return result, nil
}

// syncIndividualFiles reconciles files tracked outside any folder.
// These have no content hashes on record, so change detection falls
// back to comparing each side's modification time against the last
// successful sync.
func (r *Runner) syncIndividualFiles(ctx context.Context, metered bool, result *RunResult) error {
	files, err := r.store.IndividualFiles(r.accountID)
	if err != nil {
		return fmt.Errorf("loading individual files: %w", err)
	}

	for i := range files {
		rec := &files[i]

		if err := ctx.Err(); err != nil {
			return err
		}

		if !rec.SyncEnabled {
			continue
		}

		if rec.WifiOnly && metered {
			result.Deferred++
			continue
		}

		if err := r.syncIndividualFile(ctx, rec, result); err != nil {
			if ctx.Err() != nil || daverr.IsAuth(err) {
				return err
			}

			result.Errors++
			r.logger.Warn("individual file sync failed",
				slog.String("path", rec.RemotePath),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (r *Runner) syncIndividualFile(ctx context.Context, rec *store.IndividualFileRecord, result *RunResult) error {
	var localMTime *time.Time

	if info, err := os.Stat(rec.LocalPath); err == nil {
		mt := info.ModTime()
		localMTime = &mt
	} else if !os.IsNotExist(err) {
		return daverr.Tag(daverr.KindFile, fmt.Errorf("stating %s: %w", rec.LocalPath, err))
	}

	entry, err := r.remote.Stat(ctx, rec.RemotePath)
	if err != nil && !daverr.IsNotFound(err) {
		return err
	}

	localNewer := localMTime != nil && (rec.LastSync == nil || localMTime.After(*rec.LastSync))
	remoteNewer := entry != nil && (rec.LastSync == nil || entry.MTime.After(*rec.LastSync))

	switch {
	case localMTime == nil && entry == nil:
		return nil

	case localNewer && remoteNewer:
		// Without content hashes the two changes cannot be ordered or
		// merged; surface it and leave both copies alone.
		result.Conflicts++
		r.logger.Warn("individual file changed on both sides",
			slog.String("local", rec.LocalPath),
			slog.String("remote", rec.RemotePath),
		)

		return nil

	case localNewer || entry == nil:
		if _, err := r.exec.Upload(ctx, rec.LocalPath, rec.RemotePath); err != nil {
			return err
		}

		result.Uploaded++

	case remoteNewer || localMTime == nil:
		expected := int64(-1)
		if entry != nil {
			expected = entry.Size
		}

		if _, err := r.exec.Download(ctx, rec.RemotePath, rec.LocalPath, expected); err != nil {
			return err
		}

		result.Downloaded++

	default:
		result.Unchanged++

		return nil
	}

	return r.store.TouchIndividualFile(rec.ID, time.Now())
}
