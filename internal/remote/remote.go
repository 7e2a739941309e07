// Package remote is the WebDAV capability consumed by the sync engine.
// It wraps gowebdav behind a narrow interface so the engine and its
// tests never touch the transport directly.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/DougieWougie/davsync/internal/daverr"
)

// Entry is one remote filesystem entry from a directory listing or stat.
// ETag is the server's opaque change token; equality of tokens is
// evidence of "no change since last observation", not proof of
// byte-identical content.
type Entry struct {
	Name  string
	Path  string
	Size  int64
	MTime time.Time
	ETag  string
	IsDir bool
}

// Remote is the transport capability: list/get/put/delete/mkdir/move/copy
// over a base URL with credentials. Implemented by Client for real
// servers and by fakes in tests.
type Remote interface {
	// List returns the immediate children of a directory.
	List(ctx context.Context, path string) ([]Entry, error)
	// Stat returns a single entry, or a not-found error.
	Stat(ctx context.Context, path string) (*Entry, error)
	// Get opens the remote file for reading.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Put streams content to the remote path, overwriting.
	Put(ctx context.Context, path string, r io.Reader) error
	// Delete removes a remote file.
	Delete(ctx context.Context, path string) error
	// MkdirAll creates a remote directory and any missing parents.
	// Already-existing directories are success.
	MkdirAll(ctx context.Context, path string) error
	// Move renames a remote entry, overwriting the destination.
	Move(ctx context.Context, src, dst string) error
	// Copy duplicates a remote entry, overwriting the destination.
	Copy(ctx context.Context, src, dst string) error
}

// Client implements Remote against a WebDAV server.
type Client struct {
	c *gowebdav.Client
}

// NewClient builds a Remote for the given base URL and credentials.
// The timeout bounds each request at the transport layer; expiry
// surfaces as an ordinary transfer failure.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	c := gowebdav.NewClient(baseURL, username, password)
	c.SetTimeout(timeout)

	return &Client{c: c}
}

// Ping verifies connectivity and credentials with a cheap request.
func (r *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.c.Connect(); err != nil {
		return classify("connecting", "/", err)
	}

	return nil
}

func (r *Client) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := r.c.ReadDir(dir)
	if err != nil {
		return nil, classify("listing", dir, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, toEntry(dir, fi))
	}

	return entries, nil
}

func (r *Client) Stat(ctx context.Context, p string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := r.c.Stat(p)
	if err != nil {
		return nil, classify("stating", p, err)
	}

	e := toEntry(pathDir(p), fi)
	e.Path = p

	return &e, nil
}

func (r *Client) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := r.c.ReadStream(p)
	if err != nil {
		return nil, classify("reading", p, err)
	}

	return stream, nil
}

func (r *Client) Put(ctx context.Context, p string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.c.WriteStream(p, body, 0o644); err != nil {
		return classify("writing", p, err)
	}

	return nil
}

func (r *Client) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.c.Remove(p); err != nil {
		return classify("removing", p, err)
	}

	return nil
}

func (r *Client) MkdirAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.c.MkdirAll(p, 0o755)
	if err == nil {
		return nil
	}

	// Some servers answer MKCOL on an existing collection with 405.
	// Treat that as success when the directory is really there.
	if fi, statErr := r.c.Stat(p); statErr == nil && fi.IsDir() {
		return nil
	}

	return classify("creating directory", p, err)
}

func (r *Client) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.c.Rename(src, dst, true); err != nil {
		return classify("moving", src, err)
	}

	return nil
}

func (r *Client) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.c.Copy(src, dst, true); err != nil {
		return classify("copying", src, err)
	}

	return nil
}

func toEntry(dir string, fi os.FileInfo) Entry {
	return Entry{
		Name:  fi.Name(),
		Path:  joinPath(dir, fi.Name()),
		Size:  fi.Size(),
		MTime: fi.ModTime(),
		ETag:  etagOf(fi),
		IsDir: fi.IsDir(),
	}
}

// etagOf extracts the change token from a gowebdav file info.
func etagOf(fi os.FileInfo) string {
	switch f := fi.(type) {
	case *gowebdav.File:
		return f.ETag()
	case gowebdav.File:
		return f.ETag()
	default:
		return ""
	}
}

// classify maps transport errors onto the daverr taxonomy so the run
// and scheduler layers can pick retry behavior without knowing WebDAV.
func classify(op, p string, err error) error {
	wrapped := fmt.Errorf("%s %s: %w", op, p, err)

	switch {
	case gowebdav.IsErrNotFound(err):
		return daverr.Tag(daverr.KindNotFound, wrapped)
	case gowebdav.IsErrCode(err, http.StatusUnauthorized),
		gowebdav.IsErrCode(err, http.StatusForbidden):
		return daverr.Tag(daverr.KindAuth, wrapped)
	case gowebdav.IsErrCode(err, http.StatusInternalServerError),
		gowebdav.IsErrCode(err, http.StatusBadGateway),
		gowebdav.IsErrCode(err, http.StatusServiceUnavailable),
		gowebdav.IsErrCode(err, http.StatusGatewayTimeout),
		gowebdav.IsErrCode(err, http.StatusInsufficientStorage):
		return daverr.Tag(daverr.KindTransient, wrapped)
	}

	// Network-level failures (refused, reset, DNS) have no HTTP status.
	if daverr.KindOf(err) == daverr.KindTransient {
		return daverr.Tag(daverr.KindTransient, wrapped)
	}

	var se gowebdav.StatusError
	if !isStatusError(err, &se) {
		// No HTTP status at all means the request never completed.
		return daverr.Tag(daverr.KindTransient, wrapped)
	}

	return wrapped
}
