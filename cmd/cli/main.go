// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/config"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/logging"
	"github.com/adiadia/exception-runtime/internal/persistence/postgres"
	"github.com/adiadia/exception-runtime/internal/repository"
)

type command struct {
	usage string
	run   func(ctx context.Context, logger *slog.Logger, args []string) error
}

var commands = map[string]command{
	"validate": {
		usage: "validate                         gofmt, vet, unit and integration tests",
		run: func(ctx context.Context, logger *slog.Logger, _ []string) error {
			return runValidate(ctx, logger)
		},
	},
	"schema": {
		usage: "schema [event_type]              event types, or one payload JSON Schema",
		run: func(_ context.Context, _ *slog.Logger, args []string) error {
			return runSchema(os.Stdout, args)
		},
	},
	"dead-letters": {
		usage: "dead-letters [-tenant] [-worker-type] [-limit] [-offset]",
		run: func(ctx context.Context, logger *slog.Logger, args []string) error {
			return runDeadLetters(ctx, os.Stdout, logger, args)
		},
	},
}

func main() {
	// stdout carries command output, so logs go to stderr.
	logger := slog.New(logging.NewContextHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(os.Getenv("LOG_LEVEL")),
	})))

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.run(ctx, logger, os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

type step struct {
	name string
	args []string
	// skip reports why the step does not apply, or "".
	skip func() string
}

func validationSteps() []step {
	return []step{
		{name: "go vet", args: []string{"go", "vet", "./..."}},
		{name: "unit tests", args: []string{"go", "test", "./..."}},
		{
			name: "integration tests",
			args: []string{
				"go", "test", "-count=1", "-tags=integration",
				"./internal/repository",
				"./internal/persistence/postgres",
			},
			skip: func() string {
				if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" {
					return "DATABASE_URL is not set"
				}
				return ""
			},
		},
	}
}

func runValidate(ctx context.Context, logger *slog.Logger) error {
	started := time.Now()

	if err := checkFormatting(ctx, logger); err != nil {
		return err
	}
	for _, s := range validationSteps() {
		if s.skip != nil {
			if reason := s.skip(); reason != "" {
				logger.Info("step skipped", "step", s.name, "reason", reason)
				continue
			}
		}
		if err := runStep(ctx, logger, s); err != nil {
			return err
		}
	}

	logger.Info("validation passed", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func checkFormatting(ctx context.Context, logger *slog.Logger) error {
	files, err := listGoFiles(".")
	if err != nil {
		return fmt.Errorf("list go files: %w", err)
	}
	if len(files) == 0 {
		logger.Info("step skipped", "step", "gofmt", "reason", "no go files")
		return nil
	}

	cmd := exec.CommandContext(ctx, "gofmt", append([]string{"-l"}, files...)...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("gofmt: %w", err)
	}
	if unformatted := strings.TrimSpace(string(out)); unformatted != "" {
		return fmt.Errorf("gofmt would change files:\n%s", unformatted)
	}
	logger.Info("step completed", "step", "gofmt", "files", len(files))
	return nil
}

func runStep(ctx context.Context, logger *slog.Logger, s step) error {
	logger.Info("running step", "step", s.name, "command", strings.Join(s.args, " "))
	started := time.Now()

	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Error("step failed", "step", s.name, "duration_ms", elapsed, "exit_code", code)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	logger.Info("step completed", "step", s.name, "duration_ms", elapsed)
	return nil
}

// listGoFiles walks root the way the go tool does, skipping vendor, VCS
// and _-prefixed directories.
func listGoFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir():
			name := d.Name()
			if path != root && (name == "vendor" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
		case filepath.Ext(path) == ".go":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// runSchema prints the JSON Schema of one event payload, or the list of
// event types without an argument.
func runSchema(w io.Writer, args []string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if len(args) == 0 {
		return enc.Encode(domain.EventTypes())
	}

	schema, ok := domain.PayloadSchema(domain.EventType(args[0]))
	if !ok {
		return fmt.Errorf("unknown event type %q", args[0])
	}
	return enc.Encode(schema)
}

func runDeadLetters(ctx context.Context, w io.Writer, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	tenantID := flags.String("tenant", "", "filter by tenant id")
	workerType := flags.String("worker-type", "", "filter by worker type")
	limit := flags.Int("limit", 50, "page size")
	offset := flags.Int("offset", 0, "page offset")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.Load()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	repo := repository.NewDeadLetterRepository(pool, logger)
	entries, err := repo.ListDeadLetterEntries(ctx, domain.DeadLetterFilter{
		TenantID:   strings.TrimSpace(*tenantID),
		WorkerType: domain.WorkerType(strings.TrimSpace(*workerType)),
		Limit:      *limit,
		Offset:     *offset,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	_, _ = fmt.Fprintln(w, "usage: go run ./cmd/cli <command>")
	for _, name := range names {
		_, _ = fmt.Fprintln(w, "  "+commands[name].usage)
	}
}
