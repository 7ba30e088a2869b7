package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/database"
	"github.com/stemsi/bandprep-backend/internal/logger"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
	"github.com/stemsi/bandprep-backend/internal/service"
)

type demoTest struct {
	req      model.CreateTestRequest
	sections []model.SectionRequest
}

var demoTests = []demoTest{
	{
		req: model.CreateTestRequest{
			Title:        "IELTS Speaking Mock 1",
			Exam:         model.ExamIELTS,
			Skill:        model.SkillSpeaking,
			TimerMode:    model.TimerPerSection,
			Instructions: "Answer each part aloud. Recording stops when the part's time runs out.",
		},
		sections: []model.SectionRequest{
			{Title: "Part 1: Introduction", Prompt: "Tell me about your hometown.", TimeLimitMinutes: 4, AnswerKind: model.AnswerKindAudio, Requirement: model.RequirementRequired},
			{Title: "Part 2: Long turn", Prompt: "Describe a book you enjoyed reading.", TimeLimitMinutes: 3, AnswerKind: model.AnswerKindAudio, Requirement: model.RequirementRequired},
			{Title: "Part 3: Discussion", Prompt: "Do people read less than they used to?", TimeLimitMinutes: 5, AnswerKind: model.AnswerKindAudio, Requirement: model.RequirementOptional},
		},
	},
	{
		req: model.CreateTestRequest{
			Title:            "IELTS Academic Writing Mock 1",
			Exam:             model.ExamIELTS,
			Skill:            model.SkillWriting,
			TimerMode:        model.TimerWholeTest,
			TimeLimitMinutes: 60,
		},
		sections: []model.SectionRequest{
			{Title: "Task 1", Prompt: "Summarise the chart showing household energy use.", AnswerKind: model.AnswerKindText, Requirement: model.RequirementRequired},
			{Title: "Task 2", Prompt: "Some say cities should ban private cars. Discuss both views.", AnswerKind: model.AnswerKindText, Requirement: model.RequirementRequired},
		},
	},
	{
		req: model.CreateTestRequest{
			Title:     "PTE Reading Practice 1",
			Exam:      model.ExamPTE,
			Skill:     model.SkillReading,
			TimerMode: model.TimerPerSection,
		},
		sections: []model.SectionRequest{
			{
				Title:            "Fill in the blanks",
				Prompt:           "Read the passage and fill in the three blanks.",
				TimeLimitMinutes: 10,
				AnswerKind:       model.AnswerKindText,
				Requirement:      model.RequirementRequired,
				QuestionCount:    3,
				AnswerKey:        map[string][]string{"1": {"migration"}, "2": {"climate"}, "3": {"habitat", "habitats"}},
			},
		},
	},
}

func main() {
	var authorEmail, studentEmail, studentPassword string
	flag.StringVar(&authorEmail, "author", "", "Email of the dashboard account that owns the demo tests")
	flag.StringVar(&studentEmail, "student", "student@bandprep.local", "Email of the demo student")
	flag.StringVar(&studentPassword, "password", "practice-makes-band9", "Password of the demo student")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if authorEmail == "" {
		log.Fatal().Msg("-author is required; create one with cmd/create-admin first")
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	userRepo := repository.NewUserRepository(pool)
	userService := service.NewUserService(userRepo, service.NewAuthService(cfg, rdb))
	testService := service.NewTestService(repository.NewTestRepository(pool), repository.NewSectionRepository(pool), rdb, log)

	author, err := userRepo.GetByEmail(ctx, authorEmail)
	if err != nil || author.Role != model.UserRoleAdmin {
		log.Fatal().Err(err).Str("email", authorEmail).Msg("Author must be an existing dashboard account")
	}

	fmt.Println("=== Seeding demo content ===")

	student, err := userService.Register(ctx, model.RegisterRequest{
		Email:    studentEmail,
		Name:     "Demo Student",
		Password: studentPassword,
	})
	switch {
	case errors.Is(err, service.ErrEmailTaken):
		fmt.Printf("Student %s already exists, skipping\n", studentEmail)
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to create demo student")
	default:
		fmt.Printf("Created student %s with ID: %d\n", student.Email, student.ID)
	}

	published := 0
	for _, d := range demoTests {
		t, err := testService.Create(ctx, author.ID, d.req)
		if err != nil {
			fmt.Printf("Error creating %q: %v\n", d.req.Title, err)
			continue
		}
		for i := range d.sections {
			d.sections[i].OrderNum = i + 1
		}
		if _, err := testService.ReplaceSections(ctx, t.ID, d.sections); err != nil {
			fmt.Printf("Error adding sections to %q: %v\n", t.Title, err)
			continue
		}
		if err := testService.Publish(ctx, t.ID); err != nil {
			fmt.Printf("Error publishing %q: %v\n", t.Title, err)
			continue
		}
		published++
		fmt.Printf("Published %s %s test %q (%s)\n", t.Exam, t.Skill, t.Title, t.ID)
	}

	fmt.Printf("\nSeed completed! Published %d/%d demo tests.\n", published, len(demoTests))
}
