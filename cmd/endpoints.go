package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List configured endpoints and check that their providers are usable",
	Run: func(_ *cobra.Command, _ []string) {
		listEndpoints()
	},
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
}

func listEndpoints() {
	c := bootstrap(context.Background(), false)
	defer c.close()
	logger := c.logger

	for _, d := range c.endpoints {
		logger.Info("endpoint",
			zap.String("name", d.Name),
			zap.String("label", d.DisplayName()),
			zap.String("provider", d.Provider),
			zap.String("mode", string(d.Mode)),
			zap.Int("size_class", d.SizeClass()),
			zap.Bool("low_variance", d.LowVariance),
		)
	}

	broken := 0
	for _, name := range providerNames(c.endpoints) {
		pc := providerConfig(c.config, name)
		if _, err := providerKey(name, pc); err != nil {
			broken++
			logger.Warn("provider is not usable", zap.String("provider", name), zap.Error(err))
			continue
		}
		logger.Info("provider", zap.String("provider", name), zap.String("kind", providerKind(name, pc)))
	}

	if len(c.endpoints) < 2 {
		logger.Warn("consensus validation needs at least two endpoints", zap.Int("configured", len(c.endpoints)))
	}
	if len(c.endpoints.LowVariance()) < 2 {
		logger.Info("fewer than two low-variance endpoints, validation will pick any two")
	}

	if broken > 0 {
		logger.Fatal("configuration has unusable providers", zap.Int("count", broken))
	}
	logger.Info("configuration is valid", zap.Int("endpoints", len(c.endpoints)))
}
