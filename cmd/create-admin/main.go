package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/database"
	"github.com/stemsi/bandprep-backend/internal/logger"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
	"github.com/stemsi/bandprep-backend/internal/service"
	"github.com/stemsi/bandprep-backend/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	validator.Setup()

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Initialize Service ────────────────────────────────────────────
	// Account creation only hashes passwords, so no Redis session store.
	userService := service.NewUserService(repository.NewUserRepository(pool), service.NewAuthService(cfg, nil))

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Create New Dashboard Account ===")

	fmt.Print("Enter Name: ")
	name, _ := reader.ReadString('\n')

	fmt.Print("Enter Email: ")
	email, _ := reader.ReadString('\n')

	fmt.Print("Enter Password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Println("Error reading password")
		return
	}

	fmt.Print("Enter Role [superadmin/editor/grader] (default superadmin): ")
	role, _ := reader.ReadString('\n')
	role = strings.TrimSpace(role)
	if role == "" {
		role = string(model.AdminRoleSuperadmin)
	}

	req := model.CreateAdminRequest{
		Email:     strings.TrimSpace(email),
		Name:      strings.TrimSpace(name),
		Password:  string(bytePassword),
		AdminRole: model.AdminRole(role),
	}
	if fields := validator.Struct(req); fields != nil {
		for field, msg := range fields {
			fmt.Printf("Error: %s: %s\n", field, msg)
		}
		return
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	u, err := userService.CreateAdmin(ctx, req)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			fmt.Printf("Error: %s is already registered\n", req.Email)
			return
		}
		log.Fatal().Err(err).Msg("Failed to create admin")
	}

	fmt.Printf("\nSuccess! %s '%s' (%s) created with ID: %d\n", *u.AdminRole, u.Name, u.Email, u.ID)
}
