package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/middleware"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
	"github.com/stemsi/bandprep-backend/internal/validator"
)

// TestHandler handles test authoring endpoints.
type TestHandler struct {
	testService *service.TestService
	log         zerolog.Logger
}

// NewTestHandler creates a new TestHandler.
func NewTestHandler(testService *service.TestService, log zerolog.Logger) *TestHandler {
	return &TestHandler{
		testService: testService,
		log:         log.With().Str("component", "test_handler").Logger(),
	}
}

// ListTests godoc
// GET /api/v1/admin/tests?exam=IELTS&skill=speaking&status=DRAFT&mine=true
func (h *TestHandler) ListTests(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	page, perPage := pageQuery(c)
	filter := model.TestFilter{
		Exam:   model.ExamBoard(c.Query("exam")),
		Skill:  model.Skill(c.Query("skill")),
		Status: model.TestStatus(c.Query("status")),
	}
	if c.Query("mine") == "true" {
		filter.AuthorID = claims.UserID
	}

	tests, pagination, err := h.testService.List(c.Request.Context(), filter, page, perPage)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	if tests == nil {
		tests = []model.Test{}
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"tests": tests}, pagination)
}

// GetTest godoc
// GET /api/v1/admin/tests/:id
// Returns the test with its sections, answer keys included.
func (h *TestHandler) GetTest(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	test, sections, err := h.testService.Get(c.Request.Context(), id)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	if sections == nil {
		sections = []model.Section{}
	}

	response.Success(c, http.StatusOK, gin.H{"test": test, "sections": sections})
}

// CreateTest godoc
// POST /api/v1/admin/tests
// Creates a new draft test.
func (h *TestHandler) CreateTest(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.CreateTestRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	test, err := h.testService.Create(c.Request.Context(), claims.UserID, req)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"test": test})
}

// UpdateTest godoc
// PUT /api/v1/admin/tests/:id
func (h *TestHandler) UpdateTest(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req model.UpdateTestRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	test, err := h.testService.Update(c.Request.Context(), id, req)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"test": test})
}

// DeleteTest godoc
// DELETE /api/v1/admin/tests/:id
// Only drafts can be deleted; published tests are archived instead.
func (h *TestHandler) DeleteTest(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.testService.Delete(c.Request.Context(), id); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK, gin.H{}, "Test deleted successfully")
}

// PublishTest godoc
// POST /api/v1/admin/tests/:id/publish
// Validates the test, caches its definition and answer key, changes status.
func (h *TestHandler) PublishTest(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.testService.Publish(c.Request.Context(), id); err != nil {
		failWith(c, h.log, err)
		return
	}

	h.log.Info().Str("test_id", id.String()).Msg("Test published")
	response.SuccessWithMessage(c, http.StatusOK, gin.H{"status": model.TestStatusPublished}, "Test published")
}

// ArchiveTest godoc
// POST /api/v1/admin/tests/:id/archive
// Hides a published test from the catalog. Existing submissions are kept.
func (h *TestHandler) ArchiveTest(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.testService.Archive(c.Request.Context(), id); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK, gin.H{"status": model.TestStatusArchived}, "Test archived")
}

// AddSection godoc
// POST /api/v1/admin/tests/:id/sections
func (h *TestHandler) AddSection(c *gin.Context) {
	testID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req model.SectionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	section, err := h.testService.AddSection(c.Request.Context(), testID, req)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"section": section})
}

// UpdateSection godoc
// PUT /api/v1/admin/tests/:id/sections/:section_id
func (h *TestHandler) UpdateSection(c *gin.Context) {
	testID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	sectionID, ok := uuidParam(c, "section_id")
	if !ok {
		return
	}

	var req model.SectionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	section, err := h.testService.UpdateSection(c.Request.Context(), testID, sectionID, req)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"section": section})
}

// DeleteSection godoc
// DELETE /api/v1/admin/tests/:id/sections/:section_id
func (h *TestHandler) DeleteSection(c *gin.Context) {
	testID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	sectionID, ok := uuidParam(c, "section_id")
	if !ok {
		return
	}

	if err := h.testService.DeleteSection(c.Request.Context(), testID, sectionID); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK, gin.H{}, "Section deleted successfully")
}

// ReplaceSections godoc
// PUT /api/v1/admin/tests/:id/sections
// Replaces every section of a draft test in one transaction.
func (h *TestHandler) ReplaceSections(c *gin.Context) {
	testID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req model.ReplaceSectionsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sections, err := h.testService.ReplaceSections(c.Request.Context(), testID, req.Sections)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sections": sections})
}
