package download

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/errcodes"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"access denied", errors.Wrap(remote.ErrAccessDenied, "403"), ErrorKindAccessDenied},
		{"not found", errors.Wrap(remote.ErrNotFound, "404"), ErrorKindNotFound},
		{"unreachable", errors.Wrap(remote.ErrUnreachable, "refused"), ErrorKindNetwork},
		{"quota", errors.Wrap(offline.ErrQuotaExceeded, "full"), ErrorKindQuotaExceeded},
		{"rejected", errors.Wrap(remote.ErrRejected, "422"), ErrorKindRejected},
		{"other", errors.New("disk I/O error"), ErrorKindStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, kindOf(tt.err))
		})
	}
}

func TestDownloadError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     ErrorKind
		wantCode string
		wantHTTP int
	}{
		{ErrorKindAccessDenied, "access_denied", http.StatusForbidden},
		{ErrorKindNotFound, "not_found", http.StatusNotFound},
		{ErrorKindNetwork, "offline", http.StatusServiceUnavailable},
		{ErrorKindQuotaExceeded, "quota_exceeded", http.StatusInsufficientStorage},
		{ErrorKindRejected, "server_rejected", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			err := downloadError(&Error{BookID: "b1", ChapterNumber: 2, Kind: tt.kind, Err: errors.New("boom")})
			var cerr *errcodes.Error
			if assert.True(t, errors.As(err, &cerr)) {
				assert.Equal(t, tt.wantCode, cerr.Code)
				assert.Equal(t, tt.wantHTTP, cerr.HTTPCode)
			}
		})
	}

	var cerr *errcodes.Error
	assert.False(t, errors.As(downloadError(&Error{Kind: ErrorKindStorage, Err: errors.New("boom")}), &cerr))
}
