// Package config holds the node configuration: defaults, YAML file loading,
// and cobra flag binding, with flags taking precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrReadYaml is returned when the YAML configuration cannot be decoded.
var ErrReadYaml = errors.New("reading yaml configuration")

const (
	// FlagPrefix prefixes all hyperraft-specific flags.
	FlagPrefix = "hyperraft."

	// Base configuration flags

	// FlagRootDir is a flag for specifying the root directory
	FlagRootDir = "home"
	// FlagDBPath is a flag for specifying the database path
	FlagDBPath = FlagPrefix + "db_path"

	// Node configuration flags

	// FlagNodeID is a flag for specifying this node's identity
	FlagNodeID = FlagPrefix + "node.id"
	// FlagBootstrap is a flag for starting this node as the initial leader
	FlagBootstrap = FlagPrefix + "node.bootstrap"
	// FlagElectionTimeout is a flag for the base follower election timeout
	FlagElectionTimeout = FlagPrefix + "node.election_timeout"
	// FlagElectionJitter is a flag for the random addition to the election timeout
	FlagElectionJitter = FlagPrefix + "node.election_jitter"
	// FlagHeartbeatInterval is a flag for the leader heartbeat interval
	FlagHeartbeatInterval = FlagPrefix + "node.heartbeat_interval"
	// FlagRoundTimeout is a flag for the vote round timeout
	FlagRoundTimeout = FlagPrefix + "node.round_timeout"
	// FlagTickInterval is a flag for the engine timer granularity
	FlagTickInterval = FlagPrefix + "node.tick_interval"
	// FlagProposalBuffer is a flag for the future-proposal buffer size
	FlagProposalBuffer = FlagPrefix + "node.proposal_buffer"

	// Pipeline configuration flags

	// FlagMaxBatchSize is a flag for the maximum batch submission size
	FlagMaxBatchSize = FlagPrefix + "pipeline.max_batch_size"
	// FlagMaxBlockTxs is a flag for the maximum transactions per block
	FlagMaxBlockTxs = FlagPrefix + "pipeline.max_block_txs"
	// FlagBatchInterval is a flag for the block formation interval
	FlagBatchInterval = FlagPrefix + "pipeline.batch_interval"
	// FlagMaxRetries is a flag for the per-transaction retry budget
	FlagMaxRetries = FlagPrefix + "pipeline.max_retries"
	// FlagMempoolCapacity is a flag for the pending queue capacity
	FlagMempoolCapacity = FlagPrefix + "pipeline.mempool_capacity"

	// RPC configuration flags

	// FlagRPCAddress is a flag for specifying the RPC server listen host
	FlagRPCAddress = FlagPrefix + "rpc.address"
	// FlagRPCPort is a flag for specifying the RPC server listen port
	FlagRPCPort = FlagPrefix + "rpc.port"
	// FlagRPCAuthToken is a flag for the RPC bearer token
	FlagRPCAuthToken = FlagPrefix + "rpc.auth_token" // #nosec G101

	// Instrumentation configuration flags

	// FlagPprof is a flag for enabling pprof profiling endpoints for runtime debugging
	FlagPprof = FlagPrefix + "instrumentation.pprof"
	// FlagPprofListenAddr is a flag for specifying the pprof listen address
	FlagPprofListenAddr = FlagPrefix + "instrumentation.pprof_listen_addr"
	// FlagTracing enables OpenTelemetry tracing
	FlagTracing = FlagPrefix + "instrumentation.tracing"
	// FlagTracingEndpoint configures the OTLP endpoint (host:port)
	FlagTracingEndpoint = FlagPrefix + "instrumentation.tracing_endpoint"
	// FlagTracingServiceName configures the service.name resource attribute
	FlagTracingServiceName = FlagPrefix + "instrumentation.tracing_service_name"
	// FlagTracingSampleRate configures the TraceID ratio-based sampler
	FlagTracingSampleRate = FlagPrefix + "instrumentation.tracing_sample_rate"

	// Logging configuration flags

	// FlagLogLevel is a flag for specifying the log level
	FlagLogLevel = FlagPrefix + "log.level"
	// FlagLogFormat is a flag for specifying the log format
	FlagLogFormat = FlagPrefix + "log.format"
	// FlagLogTrace is a flag for enabling stack traces in error logs
	FlagLogTrace = FlagPrefix + "log.trace"
)

// Config stores the full node configuration.
type Config struct {
	RootDir string `mapstructure:"-" yaml:"-" comment:"Root directory where hyperraft files are located"`

	// Base configuration
	DBPath string `mapstructure:"db_path" yaml:"db_path" comment:"Path inside the root directory where the database is located"`

	// Consensus node configuration
	Node NodeConfig `mapstructure:"node" yaml:"node"`

	// Transaction pipeline configuration
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`

	// RPC configuration
	RPC RPCConfig `mapstructure:"rpc" yaml:"rpc"`

	// Instrumentation configuration
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation" yaml:"instrumentation"`

	// Logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// NodeConfig contains the consensus engine configuration parameters.
type NodeConfig struct {
	ID                string          `mapstructure:"id" yaml:"id" comment:"Unique identifier for this node in the validator set"`
	Bootstrap         bool            `mapstructure:"bootstrap" yaml:"bootstrap" comment:"Start this node as the initial leader (only for the first node of a new cluster)"`
	ElectionTimeout   DurationWrapper `mapstructure:"election_timeout" yaml:"election_timeout" comment:"Base follower timeout before starting an election. Examples: \"500ms\", \"1s\", \"2s\"."`
	ElectionJitter    DurationWrapper `mapstructure:"election_jitter" yaml:"election_jitter" comment:"Upper bound of the random addition to the election timeout, avoiding synchronized re-election storms"`
	HeartbeatInterval DurationWrapper `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" comment:"How often the leader announces itself to followers"`
	RoundTimeout      DurationWrapper `mapstructure:"round_timeout" yaml:"round_timeout" comment:"How long a pending block may collect votes before it is marked expired"`
	TickInterval      DurationWrapper `mapstructure:"tick_interval" yaml:"tick_interval" comment:"Granularity of the engine's internal timer checks"`
	ProposalBuffer    int             `mapstructure:"proposal_buffer" yaml:"proposal_buffer" comment:"How many future-height proposals are held while earlier heights finalize"`
}

// PipelineConfig contains the transaction ordering configuration parameters.
type PipelineConfig struct {
	MaxBatchSize    int             `mapstructure:"max_batch_size" yaml:"max_batch_size" comment:"Hard cap on batch submissions; larger batches are rejected wholesale"`
	MaxBlockTxs     int             `mapstructure:"max_block_txs" yaml:"max_block_txs" comment:"Maximum number of transactions per proposed block"`
	BatchInterval   DurationWrapper `mapstructure:"batch_interval" yaml:"batch_interval" comment:"How often the leader checks the mempool for a new proposal. Examples: \"250ms\", \"500ms\", \"1s\"."`
	MaxRetries      int             `mapstructure:"max_retries" yaml:"max_retries" comment:"How many times a transaction is re-proposed after its block fails before it is marked failed"`
	MempoolCapacity int             `mapstructure:"mempool_capacity" yaml:"mempool_capacity" comment:"Maximum number of queued transactions"`
}

// LogConfig contains all logging configuration parameters
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" comment:"Log level (debug, info, warn, error)"`
	Format string `mapstructure:"format" yaml:"format" comment:"Log format (text, json)"`
	Trace  bool   `mapstructure:"trace" yaml:"trace" comment:"Enable stack traces in error logs"`
}

// RPCConfig contains all RPC server configuration parameters
type RPCConfig struct {
	Address   string `mapstructure:"address" yaml:"address" comment:"Host to bind the RPC server to. Default: 127.0.0.1"`
	Port      string `mapstructure:"port" yaml:"port" comment:"Port to bind the RPC server to. Default: 7331"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token" comment:"Bearer token required by clients. Empty disables authentication."`
}

// Validate validates the config and ensures that the root directory exists.
// It creates the directory if it does not exist.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root directory cannot be empty")
	}

	fullDir := filepath.Dir(c.ConfigPath())
	if err := os.MkdirAll(fullDir, 0o750); err != nil {
		return fmt.Errorf("could not create directory %q: %w", fullDir, err)
	}

	if c.Node.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if err := c.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("could not validate instrumentation: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the configuration file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.RootDir, AppConfigDir, ConfigName)
}

// AddGlobalFlags registers the basic configuration flags that are common across applications.
// This includes logging configuration and root directory settings.
func AddGlobalFlags(cmd *cobra.Command, defaultHome string) {
	def := DefaultConfig()

	cmd.PersistentFlags().String(FlagLogLevel, def.Log.Level, "Set the log level (debug, info, warn, error)")
	cmd.PersistentFlags().String(FlagLogFormat, def.Log.Format, "Set the log format (text, json)")
	cmd.PersistentFlags().Bool(FlagLogTrace, def.Log.Trace, "Enable stack traces in error logs")
	cmd.PersistentFlags().String(FlagRootDir, DefaultRootDirWithName(defaultHome), "Root directory for application data")
}

// AddFlags adds hyperraft specific configuration options to cobra Command.
func AddFlags(cmd *cobra.Command) {
	def := DefaultConfig()

	// Add base flags
	cmd.Flags().String(FlagDBPath, def.DBPath, "path for the node database")

	// Node configuration flags
	cmd.Flags().String(FlagNodeID, def.Node.ID, "unique identifier for this node in the validator set")
	cmd.Flags().Bool(FlagBootstrap, def.Node.Bootstrap, "start this node as the initial leader of a new cluster")
	cmd.Flags().Duration(FlagElectionTimeout, def.Node.ElectionTimeout.Duration, "base follower timeout before starting an election")
	cmd.Flags().Duration(FlagElectionJitter, def.Node.ElectionJitter.Duration, "upper bound of the random addition to the election timeout")
	cmd.Flags().Duration(FlagHeartbeatInterval, def.Node.HeartbeatInterval.Duration, "leader heartbeat interval")
	cmd.Flags().Duration(FlagRoundTimeout, def.Node.RoundTimeout.Duration, "vote round timeout before a pending block expires")
	cmd.Flags().Duration(FlagTickInterval, def.Node.TickInterval.Duration, "engine timer granularity")
	cmd.Flags().Int(FlagProposalBuffer, def.Node.ProposalBuffer, "future-height proposals held while earlier heights finalize")

	// Pipeline configuration flags
	cmd.Flags().Int(FlagMaxBatchSize, def.Pipeline.MaxBatchSize, "hard cap on batch submissions")
	cmd.Flags().Int(FlagMaxBlockTxs, def.Pipeline.MaxBlockTxs, "maximum transactions per proposed block")
	cmd.Flags().Duration(FlagBatchInterval, def.Pipeline.BatchInterval.Duration, "how often the leader checks the mempool for a new proposal")
	cmd.Flags().Int(FlagMaxRetries, def.Pipeline.MaxRetries, "per-transaction retry budget before it is marked failed")
	cmd.Flags().Int(FlagMempoolCapacity, def.Pipeline.MempoolCapacity, "maximum number of queued transactions")

	// RPC configuration flags
	cmd.Flags().String(FlagRPCAddress, def.RPC.Address, "RPC server listen host")
	cmd.Flags().String(FlagRPCPort, def.RPC.Port, "RPC server listen port")
	cmd.Flags().String(FlagRPCAuthToken, def.RPC.AuthToken, "bearer token required by RPC clients (empty disables auth)")

	// Instrumentation configuration flags
	instrDef := DefaultInstrumentationConfig()
	cmd.Flags().Bool(FlagPprof, instrDef.Pprof, "enable pprof HTTP endpoint")
	cmd.Flags().String(FlagPprofListenAddr, instrDef.PprofListenAddr, "pprof HTTP server listening address")
	cmd.Flags().Bool(FlagTracing, instrDef.Tracing, "enable OpenTelemetry tracing")
	cmd.Flags().String(FlagTracingEndpoint, instrDef.TracingEndpoint, "OTLP endpoint for traces (host:port)")
	cmd.Flags().String(FlagTracingServiceName, instrDef.TracingServiceName, "OpenTelemetry service.name")
	cmd.Flags().Float64(FlagTracingSampleRate, instrDef.TracingSampleRate, "trace sampling rate (0.0-1.0)")
}

// Load loads the node configuration in the following order of precedence:
// 1. DefaultConfig() (lowest priority)
// 2. YAML configuration file
// 3. Command line flags (highest priority)
func Load(cmd *cobra.Command) (Config, error) {
	home, _ := cmd.Flags().GetString(FlagRootDir)
	if home == "" {
		home = DefaultRootDir
	} else if !filepath.IsAbs(home) {
		absHome, err := filepath.Abs(home)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		home = absHome
	}

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType(ConfigExtension)
	v.AddConfigPath(filepath.Join(home, AppConfigDir))
	v.SetConfigFile(filepath.Join(home, AppConfigDir, ConfigName))
	_ = v.BindPFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.PersistentFlags())
	v.AutomaticEnv()

	executableName, err := os.Executable()
	if err != nil {
		return Config{}, err
	}

	if err := bindFlags(path.Base(executableName), cmd, v); err != nil {
		return Config{}, err
	}

	// a missing configuration file is not an error, defaults apply
	_ = v.ReadInConfig()

	return loadFromViper(v, home)
}

// loadFromViper processes a viper instance and returns a Config.
func loadFromViper(v *viper.Viper, home string) (Config, error) {
	cfg := DefaultConfig()
	cfg.RootDir = home

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			func(f reflect.Type, t reflect.Type, data any) (any, error) {
				if t == reflect.TypeFor[DurationWrapper]() && f.Kind() == reflect.String {
					if str, ok := data.(string); ok {
						duration, err := time.ParseDuration(str)
						if err != nil {
							return nil, err
						}
						return DurationWrapper{Duration: duration}, nil
					}
				}
				return data, nil
			},
		),
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, errors.Join(ErrReadYaml, fmt.Errorf("failed creating decoder: %w", err))
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return cfg, errors.Join(ErrReadYaml, fmt.Errorf("failed decoding viper: %w", err))
	}

	return cfg, nil
}

func bindFlags(basename string, cmd *cobra.Command, v *viper.Viper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bindFlags failed: %v", r)
		}
	}()

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		flagName := strings.TrimPrefix(f.Name, FlagPrefix)

		// Environment variables can't have dashes in them, so bind them to their equivalent
		// keys with underscores, e.g. --favorite-color to HYPERRAFT_FAVORITE_COLOR
		err = v.BindEnv(flagName, fmt.Sprintf("%s_%s", basename, strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))))
		if err != nil {
			panic(err)
		}

		err = v.BindPFlag(flagName, f)
		if err != nil {
			panic(err)
		}

		// Apply the viper config value to the flag when the flag is not set and
		// viper has a value.
		if !f.Changed && v.IsSet(flagName) {
			val := v.Get(flagName)
			err = cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val))
			if err != nil {
				panic(err)
			}
		}
	})

	return err
}
