package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Both can be set with -ldflags at build time.
var (
	version = "unknown"
	commit  = "none"
)

type buildInfo struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build commit",
	Run: func(_ *cobra.Command, _ []string) {
		if viper.GetBool("json") {
			writeJSON(buildInfo{App: app, Version: version, Commit: commit})
			return
		}
		fmt.Printf("%s version: %s (%s)\n", app, version, commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
