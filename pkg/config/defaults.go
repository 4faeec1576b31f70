package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// ConfigFileName is the base name of the configuration file without extension.
	ConfigFileName = "hyperraft"
	// ConfigExtension is the file extension for the configuration file without the leading dot.
	ConfigExtension = "yaml"
	// ConfigName is the filename for the configuration file.
	ConfigName = ConfigFileName + "." + ConfigExtension
	// AppConfigDir is the directory name for the app configuration.
	AppConfigDir = "config"
)

// DefaultRootDir returns the default root directory for hyperraft
var DefaultRootDir = DefaultRootDirWithName(ConfigFileName)

// DefaultRootDirWithName returns the default root directory for an application,
// based on the app name and the user's home directory
func DefaultRootDirWithName(appName string) string {
	if appName == "" {
		appName = ConfigFileName
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, "."+appName)
}

// DefaultConfig keeps default values of Config
func DefaultConfig() Config {
	return Config{
		RootDir: DefaultRootDir,
		DBPath:  "data",
		Node: NodeConfig{
			ElectionTimeout:   DurationWrapper{1 * time.Second},
			ElectionJitter:    DurationWrapper{500 * time.Millisecond},
			HeartbeatInterval: DurationWrapper{250 * time.Millisecond},
			RoundTimeout:      DurationWrapper{10 * time.Second},
			TickInterval:      DurationWrapper{50 * time.Millisecond},
			ProposalBuffer:    16,
		},
		Pipeline: PipelineConfig{
			MaxBatchSize:    10_000,
			MaxBlockTxs:     1_000,
			BatchInterval:   DurationWrapper{500 * time.Millisecond},
			MaxRetries:      3,
			MempoolCapacity: 100_000,
		},
		RPC: RPCConfig{
			Address: "127.0.0.1",
			Port:    "7331",
		},
		Instrumentation: DefaultInstrumentationConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Trace:  false,
		},
	}
}
