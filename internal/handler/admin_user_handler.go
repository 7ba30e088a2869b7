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

// AdminUserHandler manages dashboard and student accounts.
type AdminUserHandler struct {
	service *service.UserService
	log     zerolog.Logger
}

func NewAdminUserHandler(service *service.UserService, log zerolog.Logger) *AdminUserHandler {
	return &AdminUserHandler{
		service: service,
		log:     log.With().Str("component", "admin_user_handler").Logger(),
	}
}

// ListUsers godoc
// GET /api/v1/admin/users?role=admin|student&admin_role=editor
func (h *AdminUserHandler) ListUsers(c *gin.Context) {
	page, perPage := pageQuery(c)

	role := model.UserRole(c.DefaultQuery("role", string(model.UserRoleStudent)))
	if role != model.UserRoleStudent && role != model.UserRoleAdmin {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"role": "must be student or admin"})
		return
	}
	var adminRole *model.AdminRole
	if v := c.Query("admin_role"); v != "" {
		r := model.AdminRole(v)
		adminRole = &r
	}

	users, pagination, err := h.service.List(c.Request.Context(), role, adminRole, page, perPage)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"users": users}, pagination)
}

// GetUser godoc
// GET /api/v1/admin/users/:id
func (h *AdminUserHandler) GetUser(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}

	user, err := h.service.GetByID(c.Request.Context(), id)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"user": user})
}

// CreateAdmin handles creating a new dashboard account.
// POST /api/v1/admin/users
func (h *AdminUserHandler) CreateAdmin(c *gin.Context) {
	var req model.CreateAdminRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	admin, err := h.service.CreateAdmin(c.Request.Context(), req)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"user": admin})
}

// UpdateAdmin handles updating an existing dashboard account.
// PUT /api/v1/admin/users/:id
func (h *AdminUserHandler) UpdateAdmin(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}

	var req model.UpdateAdminRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	admin, err := h.service.UpdateAdmin(c.Request.Context(), id, req)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"user": admin})
}

// DeleteUser handles deleting an account. Admins cannot delete themselves.
// DELETE /api/v1/admin/users/:id
func (h *AdminUserHandler) DeleteUser(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.service.DeleteUser(c.Request.Context(), claims.UserID, id); err != nil {
		failWith(c, h.log, err)
		return
	}

	response.SuccessWithMessage(c, http.StatusOK, gin.H{}, "User deleted successfully")
}

// ResetSession godoc
// POST /api/v1/admin/users/:id/reset-session
// Clears a student's device lock so they can log in again.
func (h *AdminUserHandler) ResetSession(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}

	if err := h.service.ResetStudentSession(c.Request.Context(), id); err != nil {
		failWith(c, h.log, err)
		return
	}

	h.log.Info().Int("user_id", id).Msg("Student session reset")
	response.SuccessWithMessage(c, http.StatusOK, gin.H{}, "Session reset")
}
