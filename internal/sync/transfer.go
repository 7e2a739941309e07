package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/DougieWougie/davsync/internal/daverr"
	"github.com/DougieWougie/davsync/internal/remote"
)

// tmpPattern names in-flight download files. The leading dot keeps the
// scanner from picking them up if a crash leaves one behind.
const tmpPattern = ".davsync-tmp-*"

// UploadResult reports a completed upload.
type UploadResult struct {
	// ETag is the server's change token for the freshly written copy.
	ETag string
	// Size is the number of bytes sent.
	Size int64
	// RemoteMTime is the server-side modification time after the write.
	RemoteMTime time.Time
}

// DownloadResult reports a completed download.
type DownloadResult struct {
	// Hash is the content fingerprint of the bytes written locally.
	Hash string
	// Size is the number of bytes written.
	Size int64
	// LocalMTime is the local file's modification time after the rename.
	LocalMTime time.Time
}

// Executor performs upload and download transfers against the WebDAV
// capability. Downloads are atomic: content lands in a temporary
// sibling file that is renamed over the target only after a complete,
// verified transfer.
type Executor struct {
	remote remote.Remote
	logger *slog.Logger
}

// NewExecutor creates a transfer executor.
func NewExecutor(rem remote.Remote, logger *slog.Logger) *Executor {
	return &Executor{remote: rem, logger: logger}
}

// Upload streams the local file to the remote path, creating remote
// parent directories as needed, and returns the new change token. On
// any failure the caller must not mark the file record synced.
func (e *Executor) Upload(ctx context.Context, localPath, remotePath string) (*UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("opening %s: %w", localPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("stating %s: %w", localPath, err))
	}

	if err := e.remote.MkdirAll(ctx, parentDir(remotePath)); err != nil {
		return nil, fmt.Errorf("preparing remote directory: %w", err)
	}

	if err := e.remote.Put(ctx, remotePath, f); err != nil {
		return nil, err
	}

	// The fresh ETag comes from a re-stat; gowebdav's PUT does not
	// surface response headers.
	entry, err := e.remote.Stat(ctx, remotePath)
	if err != nil {
		return nil, fmt.Errorf("confirming upload: %w", err)
	}

	if entry.Size != info.Size() {
		return nil, daverr.Tag(daverr.KindFile,
			fmt.Errorf("upload size mismatch for %s: sent %d, server has %d", remotePath, info.Size(), entry.Size))
	}

	e.logger.Debug("uploaded",
		slog.String("local", localPath),
		slog.String("remote", remotePath),
		slog.Int64("bytes", info.Size()),
	)

	return &UploadResult{ETag: entry.ETag, Size: info.Size(), RemoteMTime: entry.MTime}, nil
}

// Download pulls the remote file into localPath via a temporary file in
// the same directory, renaming only after the full content arrived and
// its size matched expectedSize (pass a negative expectedSize to skip
// the check). A failed download leaves the previous local file, or no
// file, untouched.
func (e *Executor) Download(ctx context.Context, remotePath, localPath string, expectedSize int64) (*DownloadResult, error) {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("creating directory %s: %w", dir, err))
	}

	stream, err := e.remote.Get(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	tmp, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("creating temp file in %s: %w", dir, err))
	}

	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	hash, written, err := teeHash(ctx, tmp, stream)
	if err != nil {
		cleanup()
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("downloading %s: %w", remotePath, err))
	}

	if expectedSize >= 0 && written != expectedSize {
		cleanup()
		return nil, daverr.Tag(daverr.KindFile,
			fmt.Errorf("download size mismatch for %s: got %d, expected %d", remotePath, written, expectedSize))
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("flushing %s: %w", tmpPath, err))
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("closing %s: %w", tmpPath, err))
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("setting mode on %s: %w", tmpPath, err))
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return nil, daverr.Tag(daverr.KindFile, fmt.Errorf("renaming %s into place: %w", tmpPath, err))
	}

	mtime := time.Now()
	if info, err := os.Stat(localPath); err == nil {
		mtime = info.ModTime()
	}

	e.logger.Debug("downloaded",
		slog.String("remote", remotePath),
		slog.String("local", localPath),
		slog.Int64("bytes", written),
	)

	return &DownloadResult{Hash: hash, Size: written, LocalMTime: mtime}, nil
}

// teeHash copies src to dst while fingerprinting the stream, checking
// for cancellation between chunks so an aborted run stops promptly
// instead of finishing a large transfer.
func teeHash(ctx context.Context, dst io.Writer, src io.Reader) (string, int64, error) {
	buf := make([]byte, 128*1024)
	h := sha256.New()

	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return "", written, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			h.Write(buf[:n])

			wn, werr := dst.Write(buf[:n])
			written += int64(wn)

			if werr != nil {
				return "", written, werr
			}

			if wn != n {
				return "", written, io.ErrShortWrite
			}
		}

		if rerr == io.EOF {
			return hex.EncodeToString(h.Sum(nil)), written, nil
		}

		if rerr != nil {
			return "", written, rerr
		}
	}
}

// parentDir returns the remote parent of a slash-separated path.
func parentDir(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}

	if i <= 0 {
		return "/"
	}

	return p[:i]
}
