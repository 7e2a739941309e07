package remote

import (
	"errors"
	"testing"

	"github.com/studio-b12/gowebdav"
	"github.com/stretchr/testify/assert"

	"github.com/DougieWougie/davsync/internal/daverr"
)

func statusErr(code int) error {
	return gowebdav.NewPathError("PROPFIND", "/sync/docs", code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want daverr.Kind
	}{
		{"404 is not found", statusErr(404), daverr.KindNotFound},
		{"401 is auth", statusErr(401), daverr.KindAuth},
		{"403 is auth", statusErr(403), daverr.KindAuth},
		{"500 is transient", statusErr(500), daverr.KindTransient},
		{"502 is transient", statusErr(502), daverr.KindTransient},
		{"503 is transient", statusErr(503), daverr.KindTransient},
		{"504 is transient", statusErr(504), daverr.KindTransient},
		{"507 is transient", statusErr(507), daverr.KindTransient},
		{"statusless network failure is transient", errors.New("connection refused"), daverr.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, daverr.KindOf(classify("listing", "/sync/docs", tt.err)))
		})
	}
}

func TestClassifyKeepsOtherStatusCodes(t *testing.T) {
	// A 409 carries its status but no retry classification.
	err := classify("writing", "/sync/docs/a.txt", statusErr(409))
	assert.Equal(t, daverr.KindUnknown, daverr.KindOf(err))

	var se gowebdav.StatusError
	assert.True(t, isStatusError(err, &se))
	assert.Equal(t, 409, se.Status)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/sync/docs/a.txt", joinPath("/sync/docs", "a.txt"))
	assert.Equal(t, "/sync/docs", pathDir("/sync/docs/a.txt"))
	assert.Equal(t, "/", pathDir("/a.txt"))
}
