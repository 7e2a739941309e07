package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/DougieWougie/davsync/internal/daverr"
	"github.com/DougieWougie/davsync/internal/remote"
)

// fakeRemote is an in-memory Remote for exercising the engine without
// a server.
type fakeRemote struct {
	files map[string]*fakeFile
	dirs  map[string]bool

	etagSeq int

	// failPut and failGet inject errors for specific paths.
	failPut map[string]error
	failGet map[string]error

	// truncateGet serves only the first N bytes of the named path,
	// simulating a connection dropped mid-transfer.
	truncateGet map[string]int
}

type fakeFile struct {
	data  []byte
	etag  string
	mtime time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:       make(map[string]*fakeFile),
		dirs:        map[string]bool{"/": true},
		failPut:     make(map[string]error),
		failGet:     make(map[string]error),
		truncateGet: make(map[string]int),
	}
}

// seed places a file on the fake server, creating parent directories.
func (f *fakeRemote) seed(p, content string) *fakeFile {
	f.etagSeq++
	ff := &fakeFile{
		data:  []byte(content),
		etag:  fmt.Sprintf("W/\"etag-%d\"", f.etagSeq),
		mtime: time.Now().Add(-time.Hour),
	}
	f.files[p] = ff
	f.mkdirs(path.Dir(p))

	return ff
}

func (f *fakeRemote) mkdirs(dir string) {
	for dir != "/" && dir != "." && dir != "" {
		f.dirs[dir] = true
		dir = path.Dir(dir)
	}

	f.dirs["/"] = true
}

func (f *fakeRemote) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}

	if !f.dirs[dir] {
		return nil, daverr.Tag(daverr.KindNotFound, fmt.Errorf("listing %s: not found", dir))
	}

	seen := make(map[string]remote.Entry)

	child := func(p string) (string, bool) {
		prefix := dir + "/"
		if dir == "/" {
			prefix = "/"
		}

		if !strings.HasPrefix(p, prefix) || p == dir {
			return "", false
		}

		rest := strings.TrimPrefix(p, prefix)
		if rest == "" {
			return "", false
		}

		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[:i], false
		}

		return rest, true
	}

	for p, ff := range f.files {
		name, isLeaf := child(p)
		if name == "" {
			continue
		}

		if isLeaf {
			seen[name] = remote.Entry{
				Name:  name,
				Path:  p,
				Size:  int64(len(ff.data)),
				MTime: ff.mtime,
				ETag:  ff.etag,
			}
		} else {
			seen[name] = remote.Entry{
				Name:  name,
				Path:  path.Join(dir, name),
				IsDir: true,
			}
		}
	}

	for d := range f.dirs {
		if name, isLeaf := child(d); name != "" && isLeaf {
			seen[name] = remote.Entry{Name: name, Path: d, IsDir: true}
		}
	}

	entries := make([]remote.Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return entries, nil
}

func (f *fakeRemote) Stat(ctx context.Context, p string) (*remote.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ff, ok := f.files[p]; ok {
		return &remote.Entry{
			Name:  path.Base(p),
			Path:  p,
			Size:  int64(len(ff.data)),
			MTime: ff.mtime,
			ETag:  ff.etag,
		}, nil
	}

	if f.dirs[p] {
		return &remote.Entry{Name: path.Base(p), Path: p, IsDir: true}, nil
	}

	return nil, daverr.Tag(daverr.KindNotFound, fmt.Errorf("stating %s: not found", p))
}

func (f *fakeRemote) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err, ok := f.failGet[p]; ok {
		return nil, err
	}

	ff, ok := f.files[p]
	if !ok {
		return nil, daverr.Tag(daverr.KindNotFound, fmt.Errorf("reading %s: not found", p))
	}

	data := ff.data
	if n, ok := f.truncateGet[p]; ok && n < len(data) {
		data = data[:n]
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Put(ctx context.Context, p string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err, ok := f.failPut[p]; ok {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	f.etagSeq++
	f.files[p] = &fakeFile{
		data:  data,
		etag:  fmt.Sprintf("W/\"etag-%d\"", f.etagSeq),
		mtime: time.Now(),
	}
	f.mkdirs(path.Dir(p))

	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delete(f.files, p)

	return nil
}

func (f *fakeRemote) MkdirAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mkdirs(p)

	return nil
}

func (f *fakeRemote) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ff, ok := f.files[src]
	if !ok {
		return daverr.Tag(daverr.KindNotFound, fmt.Errorf("moving %s: not found", src))
	}

	f.files[dst] = ff
	delete(f.files, src)
	f.mkdirs(path.Dir(dst))

	return nil
}

func (f *fakeRemote) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ff, ok := f.files[src]
	if !ok {
		return daverr.Tag(daverr.KindNotFound, fmt.Errorf("copying %s: not found", src))
	}

	cp := *ff
	f.files[dst] = &cp
	f.mkdirs(path.Dir(dst))

	return nil
}

var _ remote.Remote = (*fakeRemote)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
