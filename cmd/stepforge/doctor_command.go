package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stepforge/internal/config"
	"stepforge/internal/deps"
	"stepforge/internal/queue"
	"stepforge/internal/services"
	"stepforge/internal/services/llm"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var skipLLM bool
	cmd := &cobra.Command{
		Use:         "doctor",
		Short:       "Check configuration, tools, storage, inference, and the daemon",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			report := newCheckReport(cmd.OutOrStdout())

			report.section("Configuration")
			cfg, path, exists, err := config.Load(ctx.configPath())
			if err != nil {
				report.line("Config", statusError, err.Error())
				return report.result()
			}
			if exists {
				report.line("Config", statusOK, path)
			} else {
				report.line("Config", statusWarn, "using defaults; "+path+" not found")
			}
			report.line("LLM provider", statusInfo, cfg.LLM.Provider+" / "+cfg.LLM.Model)
			report.line("ASR provider", statusInfo, cfg.ASR.Provider)
			report.line("OCR provider", statusInfo, cfg.OCR.Provider)
			report.line("Storage", statusInfo, cfg.Storage.Backend)

			report.section("Dependencies")
			for _, dep := range deps.CheckBinaries(deps.Requirements(cfg)) {
				switch {
				case dep.Available:
					report.line(dep.Name, statusOK, dep.Command)
				case dep.Optional:
					report.line(dep.Name, statusWarn, dep.Detail)
				default:
					report.line(dep.Name, statusError, dep.Detail)
				}
			}

			report.section("Storage")
			if err := cfg.EnsureDirectories(); err != nil {
				report.line("Directories", statusError, err.Error())
			} else {
				report.line("Directories", statusOK, cfg.Paths.DataDir)
			}
			if free, err := deps.FreeBytes(cfg.Paths.DataDir); err != nil {
				report.line("Free space", statusWarn, err.Error())
			} else {
				kind := statusOK
				if cfg.Extraction.MinFreeGiB > 0 && float64(free) < cfg.Extraction.MinFreeGiB*(1<<30) {
					kind = statusError
				}
				report.line("Free space", kind, humanize.IBytes(free))
			}
			checkDatabase(cmd.Context(), cfg, report)

			report.section("Inference")
			if skipLLM {
				report.line("LLM", statusInfo, "skipped")
			} else {
				checkLLM(cmd.Context(), cfg, report)
			}

			report.section("Daemon")
			healthCtx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			health, err := ctx.client().Health(healthCtx)
			if err != nil {
				report.line("API", statusWarn, "not reachable at "+ctx.apiAddress())
			} else {
				kind := statusOK
				if health.Status != "ok" {
					kind = statusWarn
				}
				report.line("API", kind, fmt.Sprintf("%s (pid %d)", health.Status, health.PID))
				for _, stage := range health.Workflow.StageHealth {
					if stage.Ready {
						report.line("Stage "+stage.Name, statusOK, stage.Detail)
					} else {
						report.line("Stage "+stage.Name, statusError, stage.Detail)
					}
				}
			}

			if err := report.result(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All checks passed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipLLM, "skip-llm", false, "Do not send a test request to the inference gateway")
	return cmd
}

// checkLLM sends one health request through the configured gateway with a
// single attempt and a 30 second budget.
func checkLLM(ctx context.Context, cfg *config.Config, report *checkReport) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	provider, err := llm.New(checkCtx, cfg.GetLLM(), llm.WithRetryMaxAttempts(1))
	if err != nil {
		report.line("LLM", statusError, err.Error())
		return
	}
	label := provider.Name() + "/" + provider.Model()
	if err := llm.HealthCheck(checkCtx, provider); err != nil {
		report.line("LLM", statusError, label+": "+services.UserMessage(err))
		return
	}
	report.line("LLM", statusOK, label+" reachable")
}

func checkDatabase(ctx context.Context, cfg *config.Config, report *checkReport) {
	store, err := queue.Open(cfg)
	if err != nil {
		report.line("Database", statusError, err.Error())
		return
	}
	defer store.Close()
	health, err := store.CheckHealth(ctx)
	if err != nil {
		report.line("Database", statusError, err.Error())
		return
	}
	switch {
	case health.Error != "":
		report.line("Database", statusError, health.Error)
	case len(health.MissingTables) > 0:
		report.line("Database", statusError, "missing tables: "+strings.Join(health.MissingTables, ", "))
	case !health.IntegrityCheck:
		report.line("Database", statusError, "integrity check failed")
	default:
		report.line("Database", statusOK, fmt.Sprintf("%s (schema v%d, %d projects)", health.DBPath, health.SchemaVersion, health.TotalProjects))
	}
	if health.Error == "" && health.SchemaVersion == 0 {
		report.line("Schema", statusWarn, "schema version unknown")
	}
}
