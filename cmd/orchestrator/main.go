// orcheval orchestrator CLI - submits experiment plans, reports status,
// and previews a plan's execution grid without running it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/eventlog"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/reflect"
	"github.com/justapithecus/orcheval/pkg/runmemory"
	"github.com/justapithecus/orcheval/pkg/runner"
	"github.com/justapithecus/orcheval/pkg/scheduler"
	"github.com/justapithecus/orcheval/pkg/stageexec"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// wiring bundles everything a subcommand needs: the resolved config and a
// running Scheduler backed by real file-based collaborators.
type wiring struct {
	cfg *config.Config
	sch *scheduler.Scheduler
}

func bootstrap(ctx context.Context, configDir string) (*wiring, error) {
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("initialize configuration: %w", err)
	}

	policies, err := config.LoadPolicies(cfg.PoliciesPath)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	events, err := eventlog.New(filepath.Join(cfg.ReportsDir, "events"))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	memory, err := runmemory.New(filepath.Join(cfg.ReportsDir, "memory"))
	if err != nil {
		return nil, fmt.Errorf("open run memory: %w", err)
	}

	var adapter reflect.LMAdapter
	var cache *reflect.Cache
	if cfg.LLM.Enable {
		adapter = reflect.NewHTTPLMAdapter(reflect.HTTPAdapterConfig{
			Endpoint: cfg.LLM.Endpoint,
			APIKey:   os.Getenv(cfg.LLM.APIKeyEnv),
		})
		cache, err = reflect.NewCache(filepath.Join(cfg.ReportsDir, "reflection_cache.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("open reflection cache: %w", err)
		}
	}

	deps := stageexec.Deps{
		Runner:     runner.NewAdapter(),
		Events:     events,
		Memory:     memory,
		Cfg:        cfg,
		Adapter:    adapter,
		Cache:      cache,
		ReportsDir: cfg.ReportsDir,
	}

	sch := scheduler.New(cfg, policies, deps)
	return &wiring{cfg: cfg, sch: sch}, nil
}

func loadPlan(path string) (models.ExperimentPlan, error) {
	var plan models.ExperimentPlan
	data, err := os.ReadFile(path)
	if err != nil {
		return plan, fmt.Errorf("read plan file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		return plan, fmt.Errorf("decode plan file %s: %w", path, err)
	}
	return plan, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode output: %v", err)
	}
	fmt.Println(string(data))
}

func main() {
	app := &cli.App{
		Name:  "orchestrator",
		Usage: "retrieval-quality evaluation campaign orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config-dir",
				Value: getEnv("CONFIG_DIR", "./deploy/config"),
				Usage: "path to configuration directory",
			},
		},
		Before: func(c *cli.Context) error {
			envPath := filepath.Join(c.String("config-dir"), ".env")
			if err := godotenv.Load(envPath); err != nil {
				slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "submit an experiment plan for execution",
				ArgsUsage: "<plan.json>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "commit", Usage: "allow the run to be enqueued; it stays a dry run while run.dry_run_default is true"},
				},
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("submit requires exactly one plan file argument", 1)
					}
					plan, err := loadPlan(c.Args().First())
					if err != nil {
						return cli.Exit(err, 1)
					}
					w, err := bootstrap(c.Context, c.String("config-dir"))
					if err != nil {
						return cli.Exit(err, 1)
					}
					defer w.sch.Stop()

					submit, dryRun, err := w.sch.Start(c.Context, plan, w.cfg.Run.DryRunDefault, c.Bool("commit"))
					if err != nil {
						return cli.Exit(err, 1)
					}
					if dryRun != nil {
						printJSON(dryRun)
						return nil
					}
					printJSON(submit)
					return nil
				},
			},
			{
				Name:      "dry-run",
				Usage:     "preview a plan's execution grid without running it",
				ArgsUsage: "<plan.json>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("dry-run requires exactly one plan file argument", 1)
					}
					plan, err := loadPlan(c.Args().First())
					if err != nil {
						return cli.Exit(err, 1)
					}
					w, err := bootstrap(c.Context, c.String("config-dir"))
					if err != nil {
						return cli.Exit(err, 1)
					}
					defer w.sch.Stop()

					_, dryRun, err := w.sch.Start(c.Context, plan, true, false)
					if err != nil {
						return cli.Exit(err, 1)
					}
					printJSON(dryRun)
					return nil
				},
			},
			{
				Name:      "status",
				Usage:     "report a run's current stage, progress, and reflections",
				ArgsUsage: "<run_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "detail", Value: "full", Usage: "lite or full"},
				},
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("status requires exactly one run_id argument", 1)
					}
					w, err := bootstrap(c.Context, c.String("config-dir"))
					if err != nil {
						return cli.Exit(err, 1)
					}
					defer w.sch.Stop()

					status, err := w.sch.GetStatus(c.Args().First(), c.String("detail"))
					if err != nil {
						return cli.Exit(err, 1)
					}
					printJSON(status)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
