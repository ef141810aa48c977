package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/mill6-plat6aux/metamere/src/consensus"
	"github.com/mill6-plat6aux/metamere/src/peers"
)

// Default filenames.
const (
	// DefaultStorageDir is the default name of the folder containing the
	// block store databases.
	DefaultStorageDir = "blocks"
)

// Default configuration values.
const (
	DefaultLogLevel            = "debug"
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 1337
	DefaultProtocol            = "tcp"
	DefaultServiceAddr         = "127.0.0.1:8000"
	DefaultBlockVersion        = "1.0"
	DefaultConsensusAlgorithm  = consensus.AlgorithmRaft
	DefaultStorage             = "LevelDB"
	DefaultKeepaliveInterval   = 500 * time.Millisecond
	DefaultElectionMinInterval = 1500 * time.Millisecond
	DefaultElectionMaxInterval = 3000 * time.Millisecond
	DefaultConsensusInterval   = 3000 * time.Millisecond
	DefaultMaxPool             = 2
	DefaultTCPTimeout          = 1000 * time.Millisecond
)

// Storage backend names accepted by the configuration.
const (
	StorageLevelDB = "LevelDB"
	StorageSimple  = "Simple"
)

// Config contains all the configuration properties of a metamere node.
type Config struct {
	// DataDir is the top-level directory containing metamere configuration
	// and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates the log output to a file.
	LogFile string `mapstructure:"log-file"`

	// BlockVersion is stamped into every block this node seals.
	BlockVersion string `mapstructure:"block-version"`

	// ID is this node's identifier within the cluster configuration.
	ID string `mapstructure:"id"`

	// Host and Port form the local address other nodes dial.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Protocol selects the transport scheme.
	Protocol string `mapstructure:"protocol"`

	// ConsensusAlgorithm selects the replication engine: "Raft" or "PoW".
	ConsensusAlgorithm string `mapstructure:"consensus"`

	// Storage selects the block store backend: "LevelDB" or "Simple".
	Storage string `mapstructure:"storage"`

	// StoragePath is the directory containing the block store databases.
	StoragePath string `mapstructure:"storage-path"`

	// IndexKeys are the transaction attributes maintained as secondary
	// indexes. The set is fixed at store construction.
	IndexKeys []string `mapstructure:"index-keys"`

	// KeepaliveInterval is the leader heartbeat cadence.
	KeepaliveInterval time.Duration `mapstructure:"keepalive"`

	// ElectionMinInterval and ElectionMaxInterval bound the random election
	// timeout.
	ElectionMinInterval time.Duration `mapstructure:"election-min"`
	ElectionMaxInterval time.Duration `mapstructure:"election-max"`

	// ConsensusInterval paces proof-of-work rounds.
	ConsensusInterval time.Duration `mapstructure:"consensus-interval"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of transport round trips.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Nodes is the fixed-at-startup cluster membership. An entry carrying
	// this node's ID is dropped at startup. When Nodes is empty, the
	// membership is read from peers.json in the datadir instead.
	Nodes []*peers.Peer `mapstructure:"nodes"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:             DefaultDataDir(),
		LogLevel:            DefaultLogLevel,
		BlockVersion:        DefaultBlockVersion,
		Host:                DefaultHost,
		Port:                DefaultPort,
		Protocol:            DefaultProtocol,
		ConsensusAlgorithm:  DefaultConsensusAlgorithm,
		Storage:             DefaultStorage,
		StoragePath:         DefaultStoragePath(),
		KeepaliveInterval:   DefaultKeepaliveInterval,
		ElectionMinInterval: DefaultElectionMinInterval,
		ElectionMaxInterval: DefaultElectionMaxInterval,
		ConsensusInterval:   DefaultConsensusInterval,
		MaxPool:             DefaultMaxPool,
		TCPTimeout:          DefaultTCPTimeout,
		ServiceAddr:         DefaultServiceAddr,
	}
}

// SetDataDir sets the top-level metamere directory, and updates the storage
// path if it is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.StoragePath == DefaultStoragePath() {
		c.StoragePath = filepath.Join(dataDir, DefaultStorageDir)
	}
}

// BindAddr returns the local listen address.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL returns the address other nodes dial to reach this node.
func (c *Config) URL() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

// Validate rejects fatal misconfiguration. It is called once at startup.
func (c *Config) Validate() error {
	switch c.ConsensusAlgorithm {
	case consensus.AlgorithmRaft, consensus.AlgorithmPow:
	default:
		return fmt.Errorf("unknown consensus algorithm %q", c.ConsensusAlgorithm)
	}
	switch c.Storage {
	case StorageLevelDB, StorageSimple:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.ID == "" {
		return fmt.Errorf("node id is not set")
	}
	if c.ElectionMinInterval >= c.ElectionMaxInterval {
		return fmt.Errorf("election-min must be below election-max")
	}
	return nil
}

// ConsensusConfig returns the timing parameters for the consensus engine.
func (c *Config) ConsensusConfig() *consensus.Config {
	return &consensus.Config{
		KeepaliveInterval:   c.KeepaliveInterval,
		ElectionMinInterval: c.ElectionMinInterval,
		ElectionMaxInterval: c.ElectionMaxInterval,
		ConsensusInterval:   c.ConsensusInterval,
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "metamere".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				pathMap[level] = c.LogFile
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, new(logrus.JSONFormatter)))
		}
	}
	return c.logger.WithField("prefix", "metamere")
}

// WithLogger substitutes a preconfigured logger; tests use this.
func (c *Config) WithLogger(logger *logrus.Logger) *Config {
	c.logger = logger
	return c
}

// DefaultStoragePath returns the default location of the block store.
func DefaultStoragePath() string {
	return filepath.Join(DefaultDataDir(), DefaultStorageDir)
}

// DefaultDataDir return the default directory name for top-level metamere
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Metamere")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Metamere")
		} else {
			return filepath.Join(home, ".metamere")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
