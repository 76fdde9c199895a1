package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
	"github.com/spigell/job-aggregator/internal/logger"
	"github.com/spigell/job-aggregator/internal/metrics"
	"github.com/spigell/job-aggregator/internal/registry"
)

const metricsNamespace = "job_aggregator"

// components are the long-lived pieces shared by the commands.
type components struct {
	config    *Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	endpoints endpoint.Set
	registry  *registry.Registry
	router    *inference.Router

	stopMetrics func()
}

// bootstrap builds the logger, the config and the endpoint registry.
// Configuration problems are fatal. The router is built only when withRouter is set.
func bootstrap(ctx context.Context, withRouter bool) *components {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	if config == nil {
		logger.Fatal("config is required")
	}

	logger.Info("starting the job-aggregator", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	logger.Debug("starting with config", zap.ByteString("config", pretty))

	m, err := metrics.New(metricsNamespace)
	if err != nil {
		logger.Fatal("creating metrics", zap.Error(err))
	}

	set, err := endpoint.NewSet(config.Endpoints)
	if err != nil {
		logger.Fatal("invalid endpoint configuration", zap.Error(err))
	}

	reg, err := registry.New(set, registry.Options{
		Window:          config.window(),
		DefaultCooldown: config.defaultCooldown(),
		Fallback:        config.FallbackEndpoint,
		DisableRotation: !config.RotationEnabled,
		Metrics:         m,
	}, logger)
	if err != nil {
		logger.Fatal("creating endpoint registry", zap.Error(err),
			zap.String("hint", "configure at least one entry under 'endpoints'"))
	}

	c := &components{
		config:      config,
		logger:      logger,
		metrics:     m,
		endpoints:   set,
		registry:    reg,
		stopMetrics: func() {},
	}

	if withRouter {
		c.router, err = buildRouter(ctx, config, set, inference.RouterOptions{
			CallTimeout: config.CallTimeout,
			Metrics:     m,
		}, logger)
		if err != nil {
			logger.Fatal("creating inference clients", zap.Error(err))
		}
	}

	if addr := strings.TrimSpace(viper.GetString("metrics-addr")); addr != "" {
		c.stopMetrics = serveMetrics(addr, m, logger)
	}

	return c
}

func (c *components) close() {
	c.stopMetrics()
	_ = c.logger.Sync()
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// redacted returns a copy of the config without inline secrets.
func redacted(config *Config) *Config {
	cp := *config
	cp.Providers = make(map[string]*ProviderConfig, len(config.Providers))
	for name, pc := range config.Providers {
		if pc == nil {
			continue
		}
		p := *pc
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		cp.Providers[name] = &p
	}
	return &cp
}

func readResume(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("resume file is not configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	resume := strings.TrimSpace(string(data))
	if resume == "" {
		return "", errors.New("resume file is empty")
	}
	return resume, nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
