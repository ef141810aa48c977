package command

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mill6-plat6aux/metamere/src/metamere"
)

// NewRunCmd returns the command that starts a node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run node",
		RunE:  runMetamere,
	}

	AddRunFlags(cmd)

	return cmd
}

// AddRunFlags adds flags to the Run command.
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Duplicate log output to this file")

	cmd.Flags().String("id", _config.ID, "Node identifier within the cluster")
	cmd.Flags().String("host", _config.Host, "Listen IP address")
	cmd.Flags().Int("port", _config.Port, "Listen port")
	cmd.Flags().String("protocol", _config.Protocol, "Transport scheme advertised to peers")

	cmd.Flags().String("consensus", _config.ConsensusAlgorithm, "Consensus algorithm: Raft or PoW")
	cmd.Flags().String("storage", _config.Storage, "Block store backend: LevelDB or Simple")
	cmd.Flags().String("storage-path", _config.StoragePath, "Directory containing the block store")
	cmd.Flags().StringSlice("index-keys", _config.IndexKeys, "Transaction attributes indexed for queries")

	cmd.Flags().String("block-version", _config.BlockVersion, "Version string stamped into sealed blocks")

	cmd.Flags().Duration("keepalive", _config.KeepaliveInterval, "Leader heartbeat interval")
	cmd.Flags().Duration("election-min", _config.ElectionMinInterval, "Lower bound of the election timeout")
	cmd.Flags().Duration("election-max", _config.ElectionMaxInterval, "Upper bound of the election timeout")
	cmd.Flags().Duration("consensus-interval", _config.ConsensusInterval, "Proof-of-work round interval")

	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP timeout")

	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "HTTP API service listen IP:Port")
}

func runMetamere(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}
	_config.SetDataDir(_config.DataDir)

	logger := _config.Logger()

	logger.WithFields(logrus.Fields{
		"id":           _config.ID,
		"listen":       _config.BindAddr(),
		"consensus":    _config.ConsensusAlgorithm,
		"storage":      _config.Storage,
		"storage-path": _config.StoragePath,
		"index-keys":   _config.IndexKeys,
		"keepalive":    _config.KeepaliveInterval,
		"election-min": _config.ElectionMinInterval,
		"election-max": _config.ElectionMaxInterval,
	}).Debug("RUN")

	engine := metamere.NewMetamere(_config)

	if err := engine.Init(); err != nil {
		logger.WithError(err).Error("Initialising node")
		return err
	}

	engine.Run()

	return nil
}

// bindFlagsLoadViper binds all flags and reads the metamere.toml config file
// from the datadir, when present.
func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("metamere")
	viper.AddConfigPath(_config.DataDir)
	if datadir, err := cmd.Flags().GetString("datadir"); err == nil {
		viper.AddConfigPath(datadir)
	}

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debug("No config file found")
	} else {
		return err
	}

	return nil
}
