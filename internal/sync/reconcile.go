package sync

import (
	"github.com/DougieWougie/davsync/internal/remote"
	"github.com/DougieWougie/davsync/internal/store"
)

// Action is the per-file decision of the reconciliation engine. The
// caller performs I/O based on the action; Decide itself never touches
// disk, network, or database.
type Action int

const (
	// ActionNone means neither side changed since the last record, or
	// there is nothing this folder mode permits doing.
	ActionNone Action = iota

	// ActionUpload pushes a local change over the remote copy.
	ActionUpload

	// ActionDownload pulls a remote change over the local copy.
	ActionDownload

	// ActionUploadNew creates the remote copy of a file first seen
	// locally.
	ActionUploadNew

	// ActionDownloadNew creates the local copy of a file first seen
	// remotely.
	ActionDownloadNew

	// ActionConflict means both sides changed independently since the
	// last known-synced state. No transfer happens until the user
	// resolves it.
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionUploadNew:
		return "upload_new"
	case ActionDownloadNew:
		return "download_new"
	case ActionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decide compares the previous file record against fresh local and
// remote observations and returns the action to take. prev is nil when
// the path has never been seen; local is nil when the file is absent on
// disk; rem is nil when it is absent on the server. twoWay false means
// the folder is download-only: local changes are never pushed, and a
// local change that cannot be pushed becomes a conflict rather than
// being silently discarded.
//
// Deletions are never propagated: when one side's copy disappears, the
// surviving copy is re-materialized on the missing side rather than
// removed. A conservative policy that can resurrect deleted files, but
// never loses data on a transient failure.
func Decide(prev *store.FileRecord, local *LocalEntry, rem *remote.Entry, twoWay bool) Action {
	if prev == nil {
		switch {
		case local != nil && rem == nil:
			if !twoWay {
				return ActionNone
			}

			return ActionUploadNew
		case local == nil && rem != nil:
			return ActionDownloadNew
		case local != nil && rem != nil:
			// Both sides created the path independently.
			return ActionConflict
		default:
			return ActionNone
		}
	}

	localChanged := local != nil && local.Hash != prev.LocalHash
	remoteChanged := rem != nil && rem.ETag != prev.ETag

	switch {
	case local == nil && rem == nil:
		// Both copies gone. The record is kept; nothing to transfer.
		return ActionNone

	case local == nil:
		// Local deletion is not propagated; the remote copy is the
		// source of truth for recreation.
		return ActionDownload

	case rem == nil:
		// Remote deletion is not propagated; re-upload the local copy.
		if !twoWay {
			if localChanged {
				return ActionConflict
			}

			return ActionNone
		}

		return ActionUpload
	}

	switch {
	case !localChanged && !remoteChanged:
		return ActionNone
	case localChanged && !remoteChanged:
		if !twoWay {
			return ActionConflict
		}

		return ActionUpload
	case !localChanged && remoteChanged:
		return ActionDownload
	default:
		return ActionConflict
	}
}
