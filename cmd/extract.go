package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/job-aggregator/internal/dispatch"
	"github.com/spigell/job-aggregator/internal/registry"
)

const defaultExtractConcurrency = 4

var extractCmd = &cobra.Command{
	Use:   "extract [description files...]",
	Short: "Extract experience, skills and summary points from job descriptions",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		extract(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringP("title", "t", "", "job title used for every description (default is the file name)")
	extractCmd.Flags().IntP("concurrency", "c", defaultExtractConcurrency, "number of descriptions processed at once")
	extractCmd.Flags().Bool("stats", false, "include endpoint registry statistics in the output")
}

type extractionOutput struct {
	File       string               `json:"file"`
	Title      string               `json:"title"`
	Extraction *dispatch.Extraction `json:"extraction,omitempty"`
	Error      string               `json:"error,omitempty"`
}

type extractReport struct {
	Results  []extractionOutput `json:"results"`
	Registry *registry.Stats    `json:"registry,omitempty"`
}

func extract(cmd *cobra.Command, files []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := bootstrap(ctx, true)
	defer c.close()
	logger := c.logger

	executor := dispatch.New(c.registry, c.router, dispatch.Options{
		DefaultCooldown: c.config.defaultCooldown(),
		Metrics:         c.metrics,
	}, logger)

	title, _ := cmd.Flags().GetString("title")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	results := make([]extractionOutput, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for i, file := range files {
		g.Go(func() error {
			out := extractionOutput{File: file, Title: titleFor(file, title)}
			defer func() { results[i] = out }()

			data, err := os.ReadFile(file)
			if err != nil {
				logger.Error("reading description", zap.String("file", file), zap.Error(err))
				out.Error = err.Error()
				return nil
			}

			extraction, err := dispatch.ExtractJobFields(gctx, executor, out.Title, string(data))
			if err != nil {
				return err
			}
			out.Extraction = extraction
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatal("extraction interrupted", zap.Error(err))
	}

	report := extractReport{Results: results}
	if withStats, _ := cmd.Flags().GetBool("stats"); withStats {
		stats := c.registry.Stats()
		report.Registry = &stats
	}

	degraded := 0
	for _, r := range results {
		if r.Extraction != nil && r.Extraction.Degraded {
			degraded++
		}
	}
	logger.Info("extraction complete", zap.Int("files", len(files)), zap.Int("degraded", degraded))

	if err := writeJSON(report); err != nil {
		logger.Fatal("printing results", zap.Error(err))
	}
}

func titleFor(file, title string) string {
	if title = strings.TrimSpace(title); title != "" {
		return title
	}
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
