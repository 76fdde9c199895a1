package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/consensus"
	"github.com/spigell/job-aggregator/internal/filtering"
	"github.com/spigell/job-aggregator/internal/jobs"
)

const (
	PromptYes                 = "Yes"
	PromptNo                  = "No"
	PromptReportByCompanies   = "Report by companies"
	PromptValidationReport    = "Show validation report"
	PromptAppendToExcludeFile = "Append all matches to exclude file"
	PromptMatchesToFile       = "Dump matches to file"

	excludedByUserReason = "excluded manually"
)

var errExit = errors.New("exit requested")

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Drop job matches that two inference endpoints agree do not fit the resume",
	Run: func(cmd *cobra.Command, _ []string) {
		validate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("matches", "m", "", "JSON file with job matches from the resume search")
	validateCmd.Flags().StringP("resume", "r", "", "resume text file (overrides 'resume' in the config)")
	validateCmd.Flags().StringP("output", "o", "", "write the remaining matches to this file and exit")
	validateCmd.Flags().StringP("exclude-file", "e", "", "special file with matches to exclude. Default is unset.")
	validateCmd.Flags().BoolP("auto-approve", "y", false, "do not ask for confirmation")
	validateCmd.Flags().Bool("partial", false, "act on a single endpoint's answer when its partner fails")
	validateCmd.Flags().Bool("skip-validation", false, "run only the local filters")
	validateCmd.Flags().Bool("record-false-positives", false, "append confirmed false positives to the exclude file")

	validateCmd.MarkFlagRequired("matches")

	viper.BindPFlag("resume", validateCmd.Flags().Lookup("resume"))
	viper.BindPFlag("exclude-file", validateCmd.Flags().Lookup("exclude-file"))
}

func validate(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := bootstrap(ctx, true)
	defer c.close()
	logger, config := c.logger, c.config

	matchesPath, _ := cmd.Flags().GetString("matches")
	matches, err := jobs.Load(matchesPath)
	if err != nil {
		logger.Fatal("loading matches", zap.String("path", matchesPath), zap.Error(err))
	}
	logger.Info("loaded matches", zap.Int("count", matches.Len()))

	if matches.Len() == 0 {
		logger.Info("exiting", zap.String("reason", "no matches found"))
		return
	}

	steps := filtering.Default()
	deps := filtering.Deps{Logger: logger, Clock: clock.New()}

	if skip, _ := cmd.Flags().GetBool("skip-validation"); skip {
		filtering.DisableByName(steps, "consensus", "skip requested via flag")
	} else {
		deps.Resume, err = readResume(config.Resume)
		if err != nil {
			logger.Fatal("reading resume", zap.Error(err),
				zap.String("hint", "set 'resume' in the config or pass --resume"))
		}

		validator, err := newValidator(cmd, c)
		switch {
		case errors.Is(err, consensus.ErrNotEnoughEndpoints):
			logger.Warn("skipping consensus filter", zap.Error(err))
			filtering.DisableByName(steps, "consensus", err.Error())
		case err != nil:
			logger.Fatal("creating validator", zap.Error(err))
		default:
			deps.Validator = validator
		}
	}

	record, _ := cmd.Flags().GetBool("record-false-positives")
	filterCfg := &filtering.Config{
		ExcludeFile:          config.ExcludeFile,
		ExcludeCompanies:     config.ExcludeCompanies,
		MinScore:             config.MinScore,
		RecordFalsePositives: record,
	}

	for _, status := range filtering.Describe(steps) {
		logger.Debug("filter", zap.String("name", status.Name), zap.Bool("enabled", status.Enabled),
			zap.String("reason", status.Reason), zap.Any("details", status.Details))
	}

	matches, result, err := filtering.Run(ctx, filterCfg, deps, steps, matches)
	if err != nil {
		logger.Fatal("filtering failed", zap.Error(err))
	}

	if result != nil {
		logValidation(logger, result)
	}
	logger.Info("registry state", zap.Any("stats", c.registry.Stats()))

	if output, _ := cmd.Flags().GetString("output"); output != "" {
		if err := matches.ToFile(output); err != nil {
			logger.Fatal("writing matches", zap.Error(err))
		}
		logger.Info("matches written", zap.String("filename", output), zap.Int("count", matches.Len()))
		return
	}

	if matches.Len() == 0 {
		logger.Info("exiting", zap.String("reason", "no matches left after filters"))
		return
	}

	autoApprove, _ := cmd.Flags().GetBool("auto-approve")
	menu := promptui.Select{
		Label: "Proceed?",
		Items: []string{PromptYes, PromptNo, PromptReportByCompanies, PromptValidationReport, PromptMatchesToFile, PromptAppendToExcludeFile},
	}

	action := PromptYes
	for {
		if !autoApprove {
			_, action, err = menu.Run()
			if err != nil {
				logger.Fatal("exiting", zap.Error(err))
			}
		}

		logger.Info("current list of matches", zap.Int("count", matches.Len()))

		if err := handleAction(action, logger, config, matches, result); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}
}

func newValidator(cmd *cobra.Command, c *components) (*consensus.Validator, error) {
	partial, _ := cmd.Flags().GetBool("partial")

	return consensus.New(c.endpoints, c.router, c.registry, consensus.Options{
		MaxBatchItems:      c.config.MaxBatchItems,
		AllowPartial:       partial || !c.config.RequireUnanimous,
		MaxParallelBatches: c.config.MaxParallelBatches,
		Metrics:            c.metrics,
	}, c.logger)
}

func logValidation(logger *zap.Logger, result *consensus.Result) {
	errored := 0
	for _, b := range result.Batches {
		if b.Status == consensus.StatusErrored {
			errored++
		}
	}

	logger.Info("validation summary",
		zap.String("run_id", result.RunID),
		zap.Strings("endpoints", result.Endpoints[:]),
		zap.Int("evaluated", result.ItemsEvaluated),
		zap.Int("batches", len(result.Batches)),
		zap.Int("errored_batches", errored),
		zap.Int("false_positives", len(result.Confirmed)),
		zap.Bool("require_unanimous", result.RequireUnanimous),
	)
}

func handleAction(action string, logger *zap.Logger, config *Config, matches *jobs.Matches, result *consensus.Result) error {
	switch action {
	case PromptYes:
		if err := writeJSON(matches.Items); err != nil {
			return fmt.Errorf("print matches: %w", err)
		}
		return errExit
	case PromptNo:
		logger.Info("exiting", zap.String("reason", "got no from prompt"))
		return errExit
	case PromptReportByCompanies:
		pretty, _ := json.MarshalIndent(matches.ReportByCompany(), "", "  ")
		logger.Info(string(pretty), zap.Int("matches count", matches.Len()))
		return nil
	case PromptValidationReport:
		if result == nil {
			logger.Info("validation did not run")
			return nil
		}
		pretty, _ := json.MarshalIndent(result, "", "  ")
		logger.Info(string(pretty))
		return nil
	case PromptMatchesToFile:
		filename, err := matches.DumpToTmpFile()
		if err != nil {
			return fmt.Errorf("dump results to file: %w", err)
		}
		logger.Info("dumping result to file", zap.String("filename", filename))
		return nil
	case PromptAppendToExcludeFile:
		return appendToExcludeFile(logger, config.ExcludeFile, matches)
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

func appendToExcludeFile(logger *zap.Logger, path string, matches *jobs.Matches) error {
	if path == "" {
		logger.Warn("exclude file is not configured", zap.String("hint", "set 'exclude-file' or pass --exclude-file"))
		return nil
	}

	excluded, err := jobs.ExcludedFromFile(path)
	if err != nil {
		return err
	}

	excluded.Append(matches.ToExcluded(excludedByUserReason, clock.New().Now()))
	if err := excluded.ToFile(path); err != nil {
		return err
	}

	logger.Info("appended to exclude file", zap.String("filename", path))
	matches.Exclude(excluded.Links())
	return nil
}
