package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// LocalEntry is one regular file found under a local root. Path is
// relative to the root, slash-separated and NFC-normalized.
type LocalEntry struct {
	Path  string
	Size  int64
	MTime time.Time
	Hash  string
}

// ScanResult is the outcome of walking a local root.
type ScanResult struct {
	// Files maps relative path to the entry, fingerprint included.
	Files map[string]LocalEntry
	// Skipped counts entries that could not be read. Per-entry errors
	// are reported through the logger, never fatal to the scan.
	Skipped int
}

// ScanTree recursively enumerates regular files under root, hashing
// each one. Directories are traversal-only. The scan fails only when
// the root itself cannot be walked; unreadable entries are skipped and
// counted. Hidden files, hidden directories, and symlinks are not
// synced.
func ScanTree(root string, logger *slog.Logger) (*ScanResult, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("local root inaccessible: %w", err)
	}

	result := &ScanResult{Files: make(map[string]LocalEntry)}

	err := filepath.WalkDir(root, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			if absPath == root {
				return err
			}

			logger.Warn("skipping unreadable entry",
				slog.String("path", absPath),
				slog.String("error", err.Error()),
			)
			result.Skipped++

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		relPath, err := filepath.Rel(root, absPath)
		if err != nil {
			return err
		}

		if relPath == "." {
			return nil
		}

		base := filepath.Base(absPath)
		if strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		// Symlinks could escape the root or point at special files
		// that hang on read.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink", slog.String("path", relPath))
			return nil
		}

		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			logger.Debug("skipping irregular file", slog.String("path", relPath))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during scan",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
			result.Skipped++

			return nil
		}

		hash, err := HashFile(absPath)
		if err != nil {
			logger.Warn("hashing failed during scan",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
			result.Skipped++

			return nil
		}

		rel := NormalizePath(relPath)
		result.Files[rel] = LocalEntry{
			Path:  rel,
			Size:  info.Size(),
			MTime: info.ModTime(),
			Hash:  hash,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	logger.Debug("local scan complete",
		slog.String("root", root),
		slog.Int("files", len(result.Files)),
		slog.Int("skipped", result.Skipped),
	)

	return result, nil
}

// NormalizePath normalizes a root-relative path: OS separators become
// forward slashes, repeated slashes collapse, leading/trailing slashes
// are trimmed, and the result is Unicode NFC. Applied to every path
// entering the system, from the scanner and from remote listings alike,
// so the two sides compare equal on macOS-style decomposed names.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")

	var b strings.Builder

	prevSlash := false

	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	p = strings.Trim(b.String(), "/")

	return norm.NFC.String(p)
}
