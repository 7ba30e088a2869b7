package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func serveError(err error) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	failWith(c, zerolog.Nop(), err)
	return w
}

func TestFailWith(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   response.ErrCode
	}{
		{"bad credentials", service.ErrInvalidCredentials, http.StatusUnauthorized, response.ErrInvalidCredentials},
		{"second device", service.ErrSessionAlreadyActive, http.StatusConflict, response.ErrSessionActive},
		{"email taken", service.ErrEmailTaken, http.StatusConflict, response.ErrEmailTaken},
		{"last superadmin", service.ErrLastSuperadmin, http.StatusConflict, response.ErrActionForbidden},
		{"wrapped test not found", fmt.Errorf("fetch: %w", assessment.ErrTestNotFound), http.StatusNotFound, response.ErrNotFound},
		{"edit published test", service.ErrTestNotDraft, http.StatusConflict, response.ErrTestNotDraft},
		{"start unpublished test", service.ErrTestNotPublished, http.StatusConflict, response.ErrTestNotPublished},
		{"publish empty test", assessment.ErrNoSections, http.StatusUnprocessableEntity, response.ErrNoSections},
		{"zero time limit", assessment.ErrInvalidTimeLimit, http.StatusUnprocessableEntity, response.ErrInvalidTimeLimit},
		{"closed attempt", service.ErrAttemptNotActive, http.StatusConflict, response.ErrAttemptNotActive},
		{"second live session", service.ErrAttemptLive, http.StatusConflict, response.ErrAttemptLive},
		{"answer kind", assessment.ErrAnswerKind, http.StatusUnprocessableEntity, response.ErrInvalidSubmission},
		{"payload rejected", assessment.ValidationError("audio missing", nil), http.StatusUnprocessableEntity, response.ErrInvalidSubmission},
		{"missing submission", service.ErrSubmissionNotFound, http.StatusNotFound, response.ErrSubmissionNotFound},
		{"bad file type", service.ErrUnsupportedFileType, http.StatusUnsupportedMediaType, response.ErrUnsupportedFile},
		{"oversized file", service.ErrFileTooLarge, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge},
		{"storage down during submit", assessment.TransientError(errors.New("conn reset")), http.StatusServiceUnavailable, response.ErrInternal},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serveError(tc.err)
			assert.Equal(t, tc.status, w.Code)
			body := decodeResponse(t, w)
			require.NotNil(t, body.Error)
			assert.Equal(t, tc.code, body.Error.Code)
		})
	}
}

func TestFailWith_IncompleteListsMissingSections(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	w := serveError(&assessment.IncompleteError{Missing: []uuid.UUID{a, b}})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeResponse(t, w)
	require.NotNil(t, body.Error)
	assert.Equal(t, response.ErrInvalidSubmission, body.Error.Code)
	assert.Contains(t, body.Error.Fields, a.String())
	assert.Contains(t, body.Error.Fields, b.String())
}

func TestUUIDParam(t *testing.T) {
	r := gin.New()
	r.GET("/tests/:id", func(c *gin.Context) {
		id, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		c.String(http.StatusOK, id.String())
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrInvalidID, decodeResponse(t, w).Error.Code)

	id := uuid.New()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/"+id.String(), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id.String(), w.Body.String())
}
