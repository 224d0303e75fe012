package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files")
	flag.Usage = printUsage
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	m, err := migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", migrationDir).Msg("Migration failed to initialize")
	}
	defer m.Close()
	m.Log = migrateLogger{log: log}

	switch args[0] {
	case "up":
		check(log, "up", m.Up())
	case "down":
		check(log, "down", m.Down())
	case "steps":
		check(log, "steps", m.Steps(intArg(log, args, "steps")))
	case "force":
		check(log, "force", m.Force(intArg(log, args, "force")))
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No migrations applied")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Version failed")
		}
		fmt.Printf("Version: %d, Dirty: %t\n", version, dirty)
		return
	default:
		printUsage()
		os.Exit(2)
	}

	if version, dirty, err := m.Version(); err == nil {
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migration complete")
	}
}

func check(log zerolog.Logger, command string, err error) {
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal().Err(err).Str("command", command).Msg("Migration failed")
	}
}

func intArg(log zerolog.Logger, args []string, command string) int {
	if len(args) < 2 {
		log.Fatal().Str("command", command).Msg("Missing numeric argument")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("Invalid numeric argument")
	}
	return n
}

// migrateLogger routes golang-migrate output through zerolog.
type migrateLogger struct {
	log zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Info().Msgf(format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.GetLevel() <= zerolog.DebugLevel
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
	fmt.Fprintln(os.Stderr, "Commands: up, down, steps <n>, version, force <version>")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}
