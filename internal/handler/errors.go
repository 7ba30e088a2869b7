package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
)

// failWith maps a service error to the response envelope. Unknown errors are
// logged and reported as INTERNAL_ERROR.
func failWith(c *gin.Context, log zerolog.Logger, err error) {
	var incomplete *assessment.IncompleteError
	switch {
	// Auth and users
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
	case errors.Is(err, service.ErrSessionAlreadyActive):
		response.Fail(c, http.StatusConflict, response.ErrSessionActive)
	case errors.Is(err, service.ErrUserNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrEmailTaken):
		response.Fail(c, http.StatusConflict, response.ErrEmailTaken)
	case errors.Is(err, service.ErrLastSuperadmin),
		errors.Is(err, service.ErrCannotDeleteSelf),
		errors.Is(err, service.ErrNotStudent):
		response.FailWithMessage(c, http.StatusConflict, response.ErrActionForbidden, err.Error())

	// Test content
	case errors.Is(err, service.ErrTestNotFound), errors.Is(err, service.ErrSectionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrTestNotDraft):
		response.Fail(c, http.StatusConflict, response.ErrTestNotDraft)
	case errors.Is(err, service.ErrTestNotPublished):
		response.Fail(c, http.StatusConflict, response.ErrTestNotPublished)
	case errors.Is(err, service.ErrTestArchived):
		response.FailWithMessage(c, http.StatusConflict, response.ErrActionForbidden, err.Error())
	case errors.Is(err, assessment.ErrNoSections):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrNoSections)
	case errors.Is(err, assessment.ErrInvalidTimeLimit):
		response.FailWithMessage(c, http.StatusUnprocessableEntity, response.ErrInvalidTimeLimit, err.Error())
	case errors.Is(err, service.ErrInvalidTest):
		response.FailWithMessage(c, http.StatusUnprocessableEntity, response.ErrValidation, err.Error())

	// Test taking
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrAttemptNotActive):
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotActive)
	case errors.Is(err, service.ErrAttemptLive):
		response.Fail(c, http.StatusConflict, response.ErrAttemptLive)
	case errors.As(err, &incomplete):
		fields := make(map[string]string, len(incomplete.Missing))
		for _, id := range incomplete.Missing {
			fields[id.String()] = "an answer is required"
		}
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrInvalidSubmission, fields)
	case errors.Is(err, service.ErrUnknownSection), errors.Is(err, assessment.ErrAnswerKind):
		response.FailWithMessage(c, http.StatusUnprocessableEntity, response.ErrInvalidSubmission, err.Error())
	case assessment.IsValidation(err):
		response.FailWithMessage(c, http.StatusUnprocessableEntity, response.ErrInvalidSubmission, err.Error())

	// Grading
	case errors.Is(err, service.ErrSubmissionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSubmissionNotFound)
	case errors.Is(err, service.ErrInvalidGrade), errors.Is(err, service.ErrIncompleteGrade):
		response.FailWithMessage(c, http.StatusUnprocessableEntity, response.ErrInvalidGrade, err.Error())

	// Media
	case errors.Is(err, service.ErrUnsupportedFileType):
		response.Fail(c, http.StatusUnsupportedMediaType, response.ErrUnsupportedFile)
	case errors.Is(err, service.ErrFileTooLarge):
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
	case errors.Is(err, service.ErrEmptyFile):
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)

	default:
		var se *assessment.SubmitError
		if errors.As(err, &se) {
			log.Warn().Err(err).Str("path", c.FullPath()).Msg("Submission temporarily failed")
			response.FailWithMessage(c, http.StatusServiceUnavailable, response.ErrInternal,
				"The submission could not be saved. Your answers are kept, please try again.")
			return
		}
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// uuidParam parses a path parameter, answering INVALID_ID on failure.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

func intParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return id, true
}

func pageQuery(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "20"))
	return page, perPage
}

// writeSSE writes one data frame and flushes it.
func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
