package errcodes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"typed error", NotFound("Book"), http.StatusNotFound, "not_found"},
		{"wrapped typed error", errors.Wrap(QuotaExceeded(), "download"), http.StatusInsufficientStorage, "quota_exceeded"},
		{"echo error", echo.NewHTTPError(http.StatusMethodNotAllowed, "Method Not Allowed"), http.StatusMethodNotAllowed, "method_not_allowed"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			NewHandler().Handle(tc.err, c)

			assert.Equal(t, tc.status, rec.Code)
			var body struct {
				Error struct {
					Code       string `json:"code"`
					StatusCode int    `json:"status_code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error.Code)
			assert.Equal(t, tc.status, body.Error.StatusCode)
		})
	}
}

func TestErrorIs(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, errors.Wrap(Offline("sync needs a connection"), "sync"), Offline(""))
	assert.NotErrorIs(t, NotFound("Book"), Offline(""))
}
