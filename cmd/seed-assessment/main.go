package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	file := flag.String("file", "assessments/sample.yaml", "assessment definition (YAML)")
	token := flag.String("token", "", "entry token; prompted for when empty")
	noToken := flag.Bool("open", false, "create the assessment without an entry token")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── Parse Definition ──────────────────────────────────────────────
	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to read assessment file")
	}

	var a model.Assessment
	if err := yaml.Unmarshal(raw, &a); err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to parse assessment file")
	}
	validator.Setup()
	if fields := validator.Struct(&a); fields != nil {
		paths := make([]string, 0, len(fields))
		for path := range fields {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		fmt.Println("Invalid assessment:")
		for _, path := range paths {
			fmt.Printf("  %s: %s\n", path, fields[path])
		}
		os.Exit(1)
	}

	// ─── Entry Token ───────────────────────────────────────────────────
	entryToken := *token
	if entryToken == "" && !*noToken {
		fmt.Print("Enter Entry Token: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Println("Error reading entry token")
			os.Exit(1)
		}
		entryToken = string(b)
		if entryToken == "" {
			fmt.Println("Error: entry token is required (pass -open for an open assessment)")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Create ────────────────────────────────────────────────────────
	assessments := service.NewAssessmentService(repository.NewAssessmentRepository(pool), rdb, cfg.BcryptCost, log)

	var create func(context.Context, *model.Assessment) error
	if *noToken {
		create = assessments.CreateOpen
	} else {
		create = func(ctx context.Context, a *model.Assessment) error {
			return assessments.Create(ctx, a, entryToken)
		}
	}
	if err := create(ctx, &a); err != nil {
		log.Fatal().Err(err).Msg("Failed to create assessment")
	}

	fmt.Printf("Created assessment %q\n", a.Title)
	fmt.Printf("  ID:        %s\n", a.ID)
	fmt.Printf("  Sections:  %d\n", len(a.Sections))
	fmt.Printf("  Questions: %d\n", a.TotalQuestions())
}
