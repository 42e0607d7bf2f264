package cmd

import (
	"log"
	"os"

	"github.com/rudransh-shrivastava/lanchat/internal/config"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:  `lanchat`,
	Long: `lanchat is a peer to peer chat and file transfer application`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the sqlite database")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pingCmd)
}

// setup loads the config file and applies the global flags on top of it.
func setup(cmd *cobra.Command) (config.Config, *logrus.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.NewLogger().Fatal(err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("db") {
		cfg.Storage.DB = dbPath
	}
	return cfg, logger.NewLoggerWithLevel(cfg.LogLevel)
}
