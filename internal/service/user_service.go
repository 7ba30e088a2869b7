package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
	"github.com/stemsi/bandprep-backend/internal/response"
)

// User errors.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrEmailTaken       = errors.New("email already registered")
	ErrLastSuperadmin   = errors.New("cannot remove the last superadmin")
	ErrNotStudent       = errors.New("account is not a student account")
	ErrCannotDeleteSelf = errors.New("cannot delete your own account")
)

// UserService handles registration, login and dashboard account management.
type UserService struct {
	userRepo *repository.UserRepository
	auth     *AuthService
}

// NewUserService creates a new UserService.
func NewUserService(userRepo *repository.UserRepository, auth *AuthService) *UserService {
	return &UserService{userRepo: userRepo, auth: auth}
}

// Register creates a student account.
func (s *UserService) Register(ctx context.Context, req model.RegisterRequest) (*model.User, error) {
	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &model.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Role:         model.UserRoleStudent,
		TargetBand:   req.TargetBand,
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// LoginStudent authenticates a student and opens their single device session.
func (s *UserService) LoginStudent(ctx context.Context, req model.LoginRequest) (*model.LoginResponse, error) {
	u, err := s.authenticate(ctx, req, model.UserRoleStudent)
	if err != nil {
		return nil, err
	}
	token, err := s.auth.GenerateStudentToken(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &model.LoginResponse{Token: token, User: *u}, nil
}

// LoginAdmin authenticates a dashboard account.
func (s *UserService) LoginAdmin(ctx context.Context, req model.LoginRequest) (*model.LoginResponse, error) {
	u, err := s.authenticate(ctx, req, model.UserRoleAdmin)
	if err != nil {
		return nil, err
	}
	token, err := s.auth.GenerateAdminToken(u.ID, *u.AdminRole)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &model.LoginResponse{Token: token, User: *u, Permissions: model.PermissionsFor(*u.AdminRole)}, nil
}

func (s *UserService) authenticate(ctx context.Context, req model.LoginRequest, role model.UserRole) (*model.User, error) {
	u, err := s.userRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u.Role != role || (role == model.UserRoleAdmin && u.AdminRole == nil) {
		return nil, ErrInvalidCredentials
	}
	if err := s.auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		return nil, err
	}
	return u, nil
}

// GetByID returns a user.
func (s *UserService) GetByID(ctx context.Context, id int) (*model.User, error) {
	u, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

// List returns one page of accounts of a role.
func (s *UserService) List(ctx context.Context, role model.UserRole, adminRole *model.AdminRole, page, perPage int) ([]model.User, *response.Pagination, error) {
	page, perPage = normalizePage(page, perPage)
	users, total, err := s.userRepo.ListPaginated(ctx, role, adminRole, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	return users, response.NewPagination(page, perPage, total), nil
}

// CreateAdmin creates a dashboard account.
func (s *UserService) CreateAdmin(ctx context.Context, req model.CreateAdminRequest) (*model.User, error) {
	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	role := req.AdminRole
	u := &model.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Role:         model.UserRoleAdmin,
		AdminRole:    &role,
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create admin: %w", err)
	}
	return u, nil
}

// UpdateAdmin changes a dashboard account's name, role and optionally password.
func (s *UserService) UpdateAdmin(ctx context.Context, id int, req model.UpdateAdminRequest) (*model.User, error) {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Role != model.UserRoleAdmin {
		return nil, ErrUserNotFound
	}
	if *u.AdminRole == model.AdminRoleSuperadmin && req.AdminRole != model.AdminRoleSuperadmin {
		if err := s.ensureOtherSuperadmin(ctx); err != nil {
			return nil, err
		}
	}

	role := req.AdminRole
	u.Name = req.Name
	u.AdminRole = &role
	if err := s.userRepo.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("update admin: %w", err)
	}
	if req.Password != "" {
		hash, err := s.auth.HashPassword(req.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		if err := s.userRepo.UpdatePassword(ctx, id, hash); err != nil {
			return nil, fmt.Errorf("update password: %w", err)
		}
	}
	return u, nil
}

// DeleteUser removes an account. The acting admin cannot delete themselves and
// the last superadmin is kept.
func (s *UserService) DeleteUser(ctx context.Context, actorID, id int) error {
	if actorID == id {
		return ErrCannotDeleteSelf
	}
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if u.AdminRole != nil && *u.AdminRole == model.AdminRoleSuperadmin {
		if err := s.ensureOtherSuperadmin(ctx); err != nil {
			return err
		}
	}
	return s.userRepo.Delete(ctx, id)
}

// ResetStudentSession clears a student's device lock.
func (s *UserService) ResetStudentSession(ctx context.Context, id int) error {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if u.Role != model.UserRoleStudent {
		return ErrNotStudent
	}
	return s.auth.ResetStudentSession(ctx, id)
}

func (s *UserService) ensureOtherSuperadmin(ctx context.Context) error {
	n, err := s.userRepo.CountByAdminRole(ctx, model.AdminRoleSuperadmin)
	if err != nil {
		return fmt.Errorf("count superadmins: %w", err)
	}
	if n <= 1 {
		return ErrLastSuperadmin
	}
	return nil
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage
}
