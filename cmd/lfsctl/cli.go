package main

import (
	"os"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spritefs/lfscore/pkg/elog"
)

var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagJSON    bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "lfsctl",
	Short: "Tools for building, driving, and checking log-structured filesystem images",
	Long: `lfsctl formats, mounts, and checks images for the LFS core: the
log allocator, the imap, the checkpoint protocol, the segment summary
and usage tables, and the cleaner.`,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a lfsctl.yaml tunables file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}

		if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			logger.DisableTTY = true
			logger.DisableColors = true
		}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
			logrus.SetOutput(colorable.NewColorableStdout())
		}
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}
		log = logger

		initTunables(flagConfig)
		return nil
	}

	// Tunables live on the root command: binding the same viper key to
	// per-command flag sets would leave viper reading only the last one
	// bound.
	bindTunableFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(fsckCmd)
}

func init() {
	viper.SetDefault("gc-threshold", 40)
	viper.SetDefault("gc-target-segs", 6)
	viper.SetDefault("gc-util-threshold", 90)
	viper.SetDefault("block-size", 1024)
	viper.SetDefault("seg-size", 64)
	viper.SetDefault("ninodes", 1024)
}
