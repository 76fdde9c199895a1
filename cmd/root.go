package cmd

import (
	"errors"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/job-aggregator/internal/endpoint"
)

const (
	app       = "job-aggregator"
	envPrefix = "JOB_AGGREGATOR"
)

type Config struct {
	WindowSeconds          int           `mapstructure:"window-seconds"`
	DefaultCooldownSeconds float64       `mapstructure:"default-cooldown-seconds"`
	MaxBatchItems          int           `mapstructure:"max-batch-items"`
	MaxParallelBatches     int           `mapstructure:"max-parallel-batches"`
	RequireUnanimous       bool          `mapstructure:"require-unanimous"`
	CallTimeout            time.Duration `mapstructure:"call-timeout"`
	FallbackEndpoint       string        `mapstructure:"fallback-endpoint"`
	RotationEnabled        bool          `mapstructure:"rotation-enabled"`

	Resume           string   `mapstructure:"resume"`
	ExcludeFile      string   `mapstructure:"exclude-file"`
	ExcludeCompanies []string `mapstructure:"exclude-companies"`
	MinScore         float64  `mapstructure:"min-score"`

	Endpoints []endpoint.Descriptor        `mapstructure:"endpoints"`
	Providers map[string]*ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig describes how to reach one inference provider.
type ProviderConfig struct {
	// Kind is openai, gemini or anthropic. It is derived from the provider name when empty.
	Kind       string `mapstructure:"kind"`
	BaseURL    string `mapstructure:"base-url"`
	APIKey     string `mapstructure:"api-key"`
	APIKeyEnv  string `mapstructure:"api-key-env"`
	APIKeyFile string `mapstructure:"api-key-file"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "job-aggregator filters resume job matches by asking several inference endpoints",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is job-aggregator.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve prometheus metrics on this address while the command runs")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("metrics-addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))

	setDefaults()
}

func setDefaults() {
	viper.SetDefault("window-seconds", 60)
	viper.SetDefault("default-cooldown-seconds", 60)
	viper.SetDefault("max-batch-items", 25)
	viper.SetDefault("require-unanimous", true)
	viper.SetDefault("call-timeout", "30s")
	viper.SetDefault("rotation-enabled", true)
	viper.SetDefault("min-score", 0)
}

func initConfig() {
	// The version command works without any configuration.
	if versionCmd.CalledAs() != "" {
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env file: %v", err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}

func (c *Config) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c *Config) defaultCooldown() time.Duration {
	return time.Duration(c.DefaultCooldownSeconds * float64(time.Second))
}
