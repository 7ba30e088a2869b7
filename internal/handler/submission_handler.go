package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/middleware"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
	"github.com/stemsi/bandprep-backend/internal/validator"
)

// SubmissionHandler serves the grading queue of the dashboard.
type SubmissionHandler struct {
	submissionService *service.SubmissionService
	log               zerolog.Logger
}

func NewSubmissionHandler(submissionService *service.SubmissionService, log zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		submissionService: submissionService,
		log:               log.With().Str("component", "submission_handler").Logger(),
	}
}

// ListSubmissions godoc
// GET /api/v1/admin/submissions?test_id=&user_id=&status=PENDING_REVIEW
func (h *SubmissionHandler) ListSubmissions(c *gin.Context) {
	page, perPage := pageQuery(c)

	filter := model.SubmissionFilter{Status: model.SubmissionStatus(c.Query("status"))}
	if v := c.Query("test_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"test_id": "must be a UUID"})
			return
		}
		filter.TestID = &id
	}
	if v := c.Query("user_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"user_id": "must be a number"})
			return
		}
		filter.UserID = &id
	}

	subs, pagination, err := h.submissionService.List(c.Request.Context(), filter, page, perPage)
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
// GET /api/v1/admin/submissions/:id
func (h *SubmissionHandler) GetSubmission(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	sub, err := h.submissionService.Get(c.Request.Context(), id)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"submission": sub})
}

// GradeSubmission godoc
// PUT /api/v1/admin/submissions/:id/grade
// Stores per-section scores and derives the overall band.
func (h *SubmissionHandler) GradeSubmission(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req model.GradeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sub, err := h.submissionService.Grade(c.Request.Context(), claims.UserID, id, req)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	h.log.Info().Str("submission_id", id.String()).Int("grader_id", claims.UserID).Msg("Submission graded")
	response.Success(c, http.StatusOK, gin.H{"submission": sub})
}
