package internal

import (
	"fmt"
	"runtime"

	"github.com/renflow/runner/pkg/config"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "renflow.yaml"

// ConfigPath is bound to the root --config flag.
var ConfigPath = DefaultConfigPath

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func GetVersion() string {
	return version
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	return buildTime, runtime.Version()
}

func LoadConfig() (*config.Config, error) {
	return config.Load(ConfigPath)
}
