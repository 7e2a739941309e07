// Package store is the relational persistence layer: folder
// configurations, per-file sync records, conflict records, and
// individually-synced files, all in a single sqlite database. Callers
// receive an explicit *Store; there is no process-wide handle.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SyncStatus is the lifecycle state of a FileRecord.
type SyncStatus string

const (
	StatusSynced          SyncStatus = "SYNCED"
	StatusPendingUpload   SyncStatus = "PENDING_UPLOAD"
	StatusPendingDownload SyncStatus = "PENDING_DOWNLOAD"
	StatusSyncing         SyncStatus = "SYNCING"
	StatusConflict        SyncStatus = "CONFLICT"
	StatusError           SyncStatus = "ERROR"
)

// Resolution is the state of a ConflictRecord.
type Resolution string

const (
	ResolutionPending    Resolution = "PENDING"
	ResolutionKeepLocal  Resolution = "KEEP_LOCAL"
	ResolutionKeepRemote Resolution = "KEEP_REMOTE"
	ResolutionKeepBoth   Resolution = "KEEP_BOTH"
	// ResolutionAuto is reserved for a future non-overlapping-change
	// heuristic. Nothing writes it today.
	ResolutionAuto Resolution = "AUTO_RESOLVED"
)

// ErrConflictPending is returned by CreateConflict when the file
// already has an unresolved conflict.
var ErrConflictPending = errors.New("file already has a pending conflict")

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("record not found")

// FolderConfig pairs a local root with a remote root for one account.
type FolderConfig struct {
	ID             int64
	AccountID      string
	LocalRoot      string
	RemoteRoot     string
	SyncEnabled    bool
	TwoWaySync     bool
	WifiOnly       bool
	LastLocalScan  *time.Time
	LastRemoteScan *time.Time
}

// FileRecord is one row per synced file path pair. LocalHash and ETag
// reflect the state as of the last successful transfer or scan, never
// the live filesystem or server state.
type FileRecord struct {
	ID             int64
	FolderID       int64
	LocalPath      string
	RemotePath     string
	FileName       string
	Size           int64
	MimeType       string
	LocalHash      string
	RemoteHash     string
	ETag           string
	LocalModified  *time.Time
	RemoteModified *time.Time
	SyncStatus     SyncStatus
	LastSync       *time.Time
}

// ConflictRecord snapshots both sides of a detected divergence.
type ConflictRecord struct {
	ID               int64
	FileID           int64
	LocalPath        string
	LocalModified    *time.Time
	LocalSize        int64
	LocalHash        string
	RemoteModified   *time.Time
	RemoteSize       int64
	RemoteHash       string
	DetectedAt       time.Time
	ResolutionStatus Resolution
	ResolvedAt       *time.Time
}

// IndividualFileRecord is a single file synced outside any folder
// hierarchy, keyed by (account, remote path).
type IndividualFileRecord struct {
	ID          int64
	AccountID   string
	LocalPath   string
	RemotePath  string
	FileName    string
	SyncEnabled bool
	AutoSync    bool
	WifiOnly    bool
	LastSync    *time.Time
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// the schema. The parent directory is created with owner-only access
// since the database references credentialed remote paths.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;

		CREATE TABLE IF NOT EXISTS folders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			local_path TEXT NOT NULL,
			remote_path TEXT NOT NULL,
			sync_enabled INTEGER NOT NULL DEFAULT 1,
			two_way_sync INTEGER NOT NULL DEFAULT 1,
			wifi_only INTEGER NOT NULL DEFAULT 0,
			last_local_scan INTEGER,
			last_remote_scan INTEGER,
			UNIQUE (account_id, remote_path)
		);

		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
			local_path TEXT NOT NULL,
			remote_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			local_hash TEXT NOT NULL DEFAULT '',
			remote_hash TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			local_modified INTEGER,
			remote_modified INTEGER,
			sync_status TEXT NOT NULL DEFAULT 'PENDING_UPLOAD',
			last_sync INTEGER,
			UNIQUE (folder_id, remote_path)
		);
		CREATE INDEX IF NOT EXISTS idx_files_folder_status
			ON files(folder_id, sync_status);

		CREATE TABLE IF NOT EXISTS conflicts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
			local_version_path TEXT NOT NULL,
			local_modified INTEGER,
			local_size INTEGER NOT NULL DEFAULT 0,
			local_hash TEXT NOT NULL DEFAULT '',
			remote_modified INTEGER,
			remote_size INTEGER NOT NULL DEFAULT 0,
			remote_hash TEXT NOT NULL DEFAULT '',
			detected_at INTEGER NOT NULL,
			resolution_status TEXT NOT NULL DEFAULT 'PENDING',
			resolved_at INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_pending
			ON conflicts(file_id) WHERE resolution_status = 'PENDING';

		CREATE TABLE IF NOT EXISTS individual_file_sync (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			local_path TEXT NOT NULL,
			remote_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			sync_enabled INTEGER NOT NULL DEFAULT 1,
			auto_sync INTEGER NOT NULL DEFAULT 0,
			wifi_only INTEGER NOT NULL DEFAULT 0,
			last_sync INTEGER,
			UNIQUE (account_id, remote_path)
		);
	`)

	return err
}

// --- time helpers: nullable unix-millisecond columns ---

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UnixMilli()
}

func fromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}

	t := time.UnixMilli(n.Int64)

	return &t
}

// --- folders ---

// CreateFolder inserts a folder pairing and returns it with its ID set.
func (s *Store) CreateFolder(f *FolderConfig) error {
	res, err := s.db.Exec(`
		INSERT INTO folders (account_id, local_path, remote_path, sync_enabled, two_way_sync, wifi_only, last_local_scan, last_remote_scan)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.AccountID, f.LocalRoot, f.RemoteRoot, f.SyncEnabled, f.TwoWaySync, f.WifiOnly,
		toMillis(f.LastLocalScan), toMillis(f.LastRemoteScan))
	if err != nil {
		return fmt.Errorf("inserting folder: %w", err)
	}

	f.ID, err = res.LastInsertId()

	return err
}

const folderColumns = `id, account_id, local_path, remote_path, sync_enabled, two_way_sync, wifi_only, last_local_scan, last_remote_scan`

func scanFolder(row interface{ Scan(...any) error }) (*FolderConfig, error) {
	var (
		f          FolderConfig
		local, rem sql.NullInt64
	)

	err := row.Scan(&f.ID, &f.AccountID, &f.LocalRoot, &f.RemoteRoot,
		&f.SyncEnabled, &f.TwoWaySync, &f.WifiOnly, &local, &rem)
	if err != nil {
		return nil, err
	}

	f.LastLocalScan = fromMillis(local)
	f.LastRemoteScan = fromMillis(rem)

	return &f, nil
}

// Folder returns a folder by ID.
func (s *Store) Folder(id int64) (*FolderConfig, error) {
	f, err := scanFolder(s.db.QueryRow(`SELECT `+folderColumns+` FROM folders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return f, err
}

// Folders returns all folders for an account.
func (s *Store) Folders(accountID string) ([]FolderConfig, error) {
	return s.queryFolders(`SELECT `+folderColumns+` FROM folders WHERE account_id = ? ORDER BY id`, accountID)
}

// EnabledFolders returns the sync-enabled folders for an account.
func (s *Store) EnabledFolders(accountID string) ([]FolderConfig, error) {
	return s.queryFolders(`SELECT `+folderColumns+` FROM folders WHERE account_id = ? AND sync_enabled = 1 ORDER BY id`, accountID)
}

func (s *Store) queryFolders(query string, args ...any) ([]FolderConfig, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []FolderConfig

	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}

		folders = append(folders, *f)
	}

	return folders, rows.Err()
}

// UpdateFolder persists settings edits on a folder.
func (s *Store) UpdateFolder(f *FolderConfig) error {
	_, err := s.db.Exec(`
		UPDATE folders SET local_path = ?, remote_path = ?, sync_enabled = ?, two_way_sync = ?, wifi_only = ?
		WHERE id = ?
	`, f.LocalRoot, f.RemoteRoot, f.SyncEnabled, f.TwoWaySync, f.WifiOnly, f.ID)

	return err
}

// SetWatermarks records the last fully-successful scan times. Both are
// written in one statement so a folder never shows a half-updated
// baseline.
func (s *Store) SetWatermarks(folderID int64, localScan, remoteScan time.Time) error {
	_, err := s.db.Exec(`
		UPDATE folders SET last_local_scan = ?, last_remote_scan = ? WHERE id = ?
	`, localScan.UnixMilli(), remoteScan.UnixMilli(), folderID)

	return err
}

// DeleteFolder removes a folder. File and conflict records cascade.
func (s *Store) DeleteFolder(id int64) error {
	_, err := s.db.Exec(`DELETE FROM folders WHERE id = ?`, id)

	return err
}

// --- files ---

const fileColumns = `id, folder_id, local_path, remote_path, file_name, file_size, mime_type, local_hash, remote_hash, etag, local_modified, remote_modified, sync_status, last_sync`

func scanFile(row interface{ Scan(...any) error }) (*FileRecord, error) {
	var (
		r                      FileRecord
		localMod, remMod, sync sql.NullInt64
	)

	err := row.Scan(&r.ID, &r.FolderID, &r.LocalPath, &r.RemotePath, &r.FileName,
		&r.Size, &r.MimeType, &r.LocalHash, &r.RemoteHash, &r.ETag,
		&localMod, &remMod, &r.SyncStatus, &sync)
	if err != nil {
		return nil, err
	}

	r.LocalModified = fromMillis(localMod)
	r.RemoteModified = fromMillis(remMod)
	r.LastSync = fromMillis(sync)

	return &r, nil
}

// UpsertFile inserts or replaces the record for (folder, remote path).
// The record's ID is populated on return.
func (s *Store) UpsertFile(r *FileRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO files (folder_id, local_path, remote_path, file_name, file_size, mime_type, local_hash, remote_hash, etag, local_modified, remote_modified, sync_status, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (folder_id, remote_path) DO UPDATE SET
			local_path = excluded.local_path,
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			local_hash = excluded.local_hash,
			remote_hash = excluded.remote_hash,
			etag = excluded.etag,
			local_modified = excluded.local_modified,
			remote_modified = excluded.remote_modified,
			sync_status = excluded.sync_status,
			last_sync = excluded.last_sync
	`, r.FolderID, r.LocalPath, r.RemotePath, r.FileName, r.Size, r.MimeType,
		r.LocalHash, r.RemoteHash, r.ETag,
		toMillis(r.LocalModified), toMillis(r.RemoteModified), r.SyncStatus, toMillis(r.LastSync))
	if err != nil {
		return fmt.Errorf("upserting file record: %w", err)
	}

	if r.ID == 0 {
		// LastInsertId is only meaningful for fresh inserts; re-read for
		// the upsert case so the caller always gets the row ID.
		existing, err := s.FileByRemotePath(r.FolderID, r.RemotePath)
		if err != nil {
			return err
		}

		r.ID = existing.ID
	}

	return nil
}

// FileByRemotePath returns the record for (folder, remote path).
func (s *Store) FileByRemotePath(folderID int64, remotePath string) (*FileRecord, error) {
	r, err := scanFile(s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE folder_id = ? AND remote_path = ?`, folderID, remotePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return r, err
}

// File returns a record by ID.
func (s *Store) File(id int64) (*FileRecord, error) {
	r, err := scanFile(s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return r, err
}

// FilesForFolder returns all records for a folder.
func (s *Store) FilesForFolder(folderID int64) ([]FileRecord, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM files WHERE folder_id = ? ORDER BY remote_path`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileRecord

	for rows.Next() {
		r, err := scanFile(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, *r)
	}

	return records, rows.Err()
}

// SetFileStatus updates only the sync status of a record.
func (s *Store) SetFileStatus(id int64, status SyncStatus) error {
	_, err := s.db.Exec(`UPDATE files SET sync_status = ? WHERE id = ?`, status, id)

	return err
}

// CountByStatus returns the number of records per status for a folder.
func (s *Store) CountByStatus(folderID int64) (map[SyncStatus]int, error) {
	rows, err := s.db.Query(`
		SELECT sync_status, COUNT(*) FROM files WHERE folder_id = ? GROUP BY sync_status
	`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[SyncStatus]int)

	for rows.Next() {
		var (
			status SyncStatus
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}

		counts[status] = n
	}

	return counts, rows.Err()
}

// --- conflicts ---

// CreateConflict inserts a PENDING conflict and flips the file record
// to CONFLICT, freezing it out of transfer consideration. Returns
// ErrConflictPending if an unresolved conflict already exists.
func (s *Store) CreateConflict(c *ConflictRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pending int

	err = tx.QueryRow(`
		SELECT COUNT(*) FROM conflicts WHERE file_id = ? AND resolution_status = 'PENDING'
	`, c.FileID).Scan(&pending)
	if err != nil {
		return err
	}

	if pending > 0 {
		return ErrConflictPending
	}

	c.ResolutionStatus = ResolutionPending

	res, err := tx.Exec(`
		INSERT INTO conflicts (file_id, local_version_path, local_modified, local_size, local_hash, remote_modified, remote_size, remote_hash, detected_at, resolution_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING')
	`, c.FileID, c.LocalPath, toMillis(c.LocalModified), c.LocalSize, c.LocalHash,
		toMillis(c.RemoteModified), c.RemoteSize, c.RemoteHash, c.DetectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting conflict: %w", err)
	}

	if _, err := tx.Exec(`UPDATE files SET sync_status = ? WHERE id = ?`, StatusConflict, c.FileID); err != nil {
		return err
	}

	if c.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	return tx.Commit()
}

const conflictColumns = `id, file_id, local_version_path, local_modified, local_size, local_hash, remote_modified, remote_size, remote_hash, detected_at, resolution_status, resolved_at`

func scanConflict(row interface{ Scan(...any) error }) (*ConflictRecord, error) {
	var (
		c                          ConflictRecord
		localMod, remMod, resolved sql.NullInt64
		detected                   int64
	)

	err := row.Scan(&c.ID, &c.FileID, &c.LocalPath, &localMod, &c.LocalSize, &c.LocalHash,
		&remMod, &c.RemoteSize, &c.RemoteHash, &detected, &c.ResolutionStatus, &resolved)
	if err != nil {
		return nil, err
	}

	c.LocalModified = fromMillis(localMod)
	c.RemoteModified = fromMillis(remMod)
	c.DetectedAt = time.UnixMilli(detected)
	c.ResolvedAt = fromMillis(resolved)

	return &c, nil
}

// Conflict returns a conflict by ID.
func (s *Store) Conflict(id int64) (*ConflictRecord, error) {
	c, err := scanConflict(s.db.QueryRow(`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return c, err
}

// PendingConflictForFile returns the unresolved conflict for a file,
// or ErrNotFound.
func (s *Store) PendingConflictForFile(fileID int64) (*ConflictRecord, error) {
	c, err := scanConflict(s.db.QueryRow(`
		SELECT `+conflictColumns+` FROM conflicts WHERE file_id = ? AND resolution_status = 'PENDING'
	`, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return c, err
}

// PendingConflicts returns all unresolved conflicts for an account.
func (s *Store) PendingConflicts(accountID string) ([]ConflictRecord, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.file_id, c.local_version_path, c.local_modified, c.local_size, c.local_hash,
		       c.remote_modified, c.remote_size, c.remote_hash, c.detected_at, c.resolution_status, c.resolved_at
		FROM conflicts c
		JOIN files f ON f.id = c.file_id
		JOIN folders d ON d.id = f.folder_id
		WHERE d.account_id = ? AND c.resolution_status = 'PENDING'
		ORDER BY c.detected_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []ConflictRecord

	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}

		conflicts = append(conflicts, *c)
	}

	return conflicts, rows.Err()
}

// MarkConflictResolved stamps the resolution and timestamp.
func (s *Store) MarkConflictResolved(id int64, resolution Resolution, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE conflicts SET resolution_status = ?, resolved_at = ?
		WHERE id = ? AND resolution_status = 'PENDING'
	`, resolution, at.UnixMilli(), id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// --- individual files ---

const individualColumns = `id, account_id, local_path, remote_path, file_name, sync_enabled, auto_sync, wifi_only, last_sync`

// CreateIndividualFile registers a single file for sync outside any
// folder hierarchy.
func (s *Store) CreateIndividualFile(r *IndividualFileRecord) error {
	res, err := s.db.Exec(`
		INSERT INTO individual_file_sync (account_id, local_path, remote_path, file_name, sync_enabled, auto_sync, wifi_only, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.AccountID, r.LocalPath, r.RemotePath, r.FileName, r.SyncEnabled, r.AutoSync, r.WifiOnly, toMillis(r.LastSync))
	if err != nil {
		return fmt.Errorf("inserting individual file: %w", err)
	}

	r.ID, err = res.LastInsertId()

	return err
}

// IndividualFiles returns all sync-enabled individual files for an account.
func (s *Store) IndividualFiles(accountID string) ([]IndividualFileRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+individualColumns+` FROM individual_file_sync
		WHERE account_id = ? AND sync_enabled = 1 ORDER BY id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []IndividualFileRecord

	for rows.Next() {
		var (
			r    IndividualFileRecord
			sync sql.NullInt64
		)

		err := rows.Scan(&r.ID, &r.AccountID, &r.LocalPath, &r.RemotePath, &r.FileName,
			&r.SyncEnabled, &r.AutoSync, &r.WifiOnly, &sync)
		if err != nil {
			return nil, err
		}

		r.LastSync = fromMillis(sync)
		records = append(records, r)
	}

	return records, rows.Err()
}

// TouchIndividualFile stamps the last successful sync time.
func (s *Store) TouchIndividualFile(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE individual_file_sync SET last_sync = ? WHERE id = ?`, at.UnixMilli(), id)

	return err
}
