package handler

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/middleware"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
	"github.com/stemsi/bandprep-backend/internal/validator"
)

// audioFieldPrefix prefixes multipart file fields carrying a section recording,
// e.g. "audio_6f1c...".
const audioFieldPrefix = "audio_"

// maxSubmitMemory bounds the in-memory part of a multipart submission; the
// rest spills to temporary files.
const maxSubmitMemory = 32 << 20

// StudentPortalHandler handles student-facing endpoints (catalog, test taking).
type StudentPortalHandler struct {
	testService       *service.TestService
	attemptService    *service.AttemptService
	submissionService *service.SubmissionService
	log               zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(
	testService *service.TestService,
	attemptService *service.AttemptService,
	submissionService *service.SubmissionService,
	log zerolog.Logger,
) *StudentPortalHandler {
	return &StudentPortalHandler{
		testService:       testService,
		attemptService:    attemptService,
		submissionService: submissionService,
		log:               log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// GetCatalog godoc
// GET /api/v1/student/tests?exam=IELTS&skill=writing
// Returns published tests overlaid with the student's latest attempt.
func (h *StudentPortalHandler) GetCatalog(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	tests, err := h.testService.Catalog(c.Request.Context(), claims.UserID,
		model.ExamBoard(c.Query("exam")), model.Skill(c.Query("skill")))
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	if tests == nil {
		tests = []model.CatalogEntry{}
	}

	response.Success(c, http.StatusOK, gin.H{"tests": tests})
}

// StartAttempt godoc
// POST /api/v1/student/tests/:id/attempts
// Starts an attempt, or resumes the open one (idempotent).
func (h *StudentPortalHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	testID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	attempt, def, err := h.attemptService.Start(c.Request.Context(), claims.UserID, testID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt, "test": def})
}

// ListAttempts godoc
// GET /api/v1/student/attempts
func (h *StudentPortalHandler) ListAttempts(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempts, err := h.attemptService.ListMine(c.Request.Context(), claims.UserID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// GetPaper godoc
// GET /api/v1/student/attempts/:id/paper
// Returns the test definition of an open attempt, without answer keys.
func (h *StudentPortalHandler) GetPaper(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	def, err := h.attemptService.Paper(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"test": def})
}

// GetState godoc
// GET /api/v1/student/attempts/:id/state
// Returns drafts and remaining time so the client can restore after a reload.
func (h *StudentPortalHandler) GetState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	state, err := h.attemptService.State(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// SaveDraft godoc
// PUT /api/v1/student/attempts/:id/draft
// Autosaves one text answer.
func (h *StudentPortalHandler) SaveDraft(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req model.SaveDraftRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attemptService.SaveDraft(c.Request.Context(), claims.UserID, attemptID, req); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"section_id": req.SectionID})
}

// AbandonAttempt godoc
// POST /api/v1/student/attempts/:id/abandon
// Closes the attempt without submitting it. Drafts are discarded.
func (h *StudentPortalHandler) AbandonAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		ElapsedSeconds int `json:"elapsed_seconds" binding:"min=0"`
	}
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	if err := h.attemptService.Abandon(c.Request.Context(), claims.UserID, attemptID, req.ElapsedSeconds); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": model.AttemptStatusAbandoned})
}

// SubmitAttempt godoc
// POST /api/v1/student/attempts/:id/submit
// Accepts either a JSON body or a multipart form with a "payload" JSON field
// and one "audio_<section_id>" file per recorded section. Resubmitting an
// already stored attempt returns the original receipt.
func (h *StudentPortalHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var (
		req   model.SubmitRequest
		files map[uuid.UUID]*multipart.FileHeader
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		var fields map[string]string
		req, files, fields = h.bindMultipartSubmit(c)
		if fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	} else if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	receipt, err := h.submissionService.SubmitForUser(c.Request.Context(), claims.UserID, attemptID, req, files)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	response.Success(c, status, gin.H{"receipt": receipt})
}

func (h *StudentPortalHandler) bindMultipartSubmit(c *gin.Context) (model.SubmitRequest, map[uuid.UUID]*multipart.FileHeader, map[string]string) {
	var req model.SubmitRequest
	if err := c.Request.ParseMultipartForm(maxSubmitMemory); err != nil {
		return req, nil, map[string]string{"body": "invalid multipart form"}
	}
	form, err := c.MultipartForm()
	if err != nil {
		return req, nil, map[string]string{"body": "invalid multipart form"}
	}

	if raw := form.Value["payload"]; len(raw) > 0 && raw[0] != "" {
		if err := json.Unmarshal([]byte(raw[0]), &req); err != nil {
			return req, nil, map[string]string{"payload": "must be a JSON submission"}
		}
		if fields := validator.Struct(&req); fields != nil {
			return req, nil, fields
		}
	}

	files := make(map[uuid.UUID]*multipart.FileHeader)
	for field, headers := range form.File {
		if !strings.HasPrefix(field, audioFieldPrefix) || len(headers) == 0 {
			continue
		}
		sectionID, err := uuid.Parse(strings.TrimPrefix(field, audioFieldPrefix))
		if err != nil {
			return req, nil, map[string]string{field: "must be audio_<section_id>"}
		}
		files[sectionID] = headers[0]
	}
	return req, files, nil
}

// ListSubmissions godoc
// GET /api/v1/student/submissions
func (h *StudentPortalHandler) ListSubmissions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	page, perPage := pageQuery(c)
	userID := claims.UserID
	subs, pagination, err := h.submissionService.List(c.Request.Context(),
		model.SubmissionFilter{UserID: &userID}, page, perPage)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"submissions": subs}, pagination)
}

// GetSubmission godoc
// GET /api/v1/student/submissions/:id
// Returns the student's own submission with answers and grades.
func (h *StudentPortalHandler) GetSubmission(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	sub, err := h.submissionService.GetForUser(c.Request.Context(), claims.UserID, id)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"submission": sub})
}
