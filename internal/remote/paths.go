package remote

import (
	"errors"
	"path"

	"github.com/studio-b12/gowebdav"
)

// joinPath joins remote path segments with forward slashes. Remote
// paths always use slash separators regardless of host OS.
func joinPath(elem ...string) string {
	return path.Join(elem...)
}

// pathDir returns the remote parent directory of p.
func pathDir(p string) string {
	return path.Dir(p)
}

// isStatusError reports whether the chain contains a WebDAV status
// error, filling target when it does.
func isStatusError(err error, target *gowebdav.StatusError) bool {
	return errors.As(err, target)
}
