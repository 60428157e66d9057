// Copyright © 2018 One Concern

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/oneconcern/codeship/internal"
	"github.com/oneconcern/codeship/pkg/dlogger"
	"github.com/oneconcern/codeship/pkg/metrics"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "codeship",
	Short: "Codeship ships lua code along with serialized values",
	Long: `Codeship serializes values that refer to lua functions, and ships the source of the
code units they come from along with them.

A process receiving such a payload installs the shipped units in a scratch directory,
so the functions can be called even though the receiver never had that code, or had an
older version of it.

Units are shipped when they are local to the sending project: code installed as a
dependency (lua_modules, .luarocks, vendor) is referred to by name only.
`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = dlogger.GetLogger(codeshipFlags.root.logLevel)
		if err != nil {
			wrapFatalln("failed to set log level", err)
			return
		}
		promRegistry = prometheus.NewRegistry()
		cliMetrics = metrics.New(metrics.WithRegisterer(promRegistry))

		if codeshipFlags.root.cpuProf {
			stop, err := internal.StartCPUProf("cpu.prof")
			if err != nil {
				wrapFatalln("start cpu profile", err)
				return
			}
			stopCPUProf = stop
		}
		if codeshipFlags.root.memPoll > 0 {
			var ctx context.Context
			ctx, stopMemPoll = context.WithCancel(context.Background())
			internal.MemPoll(ctx, codeshipFlags.root.memPoll, logger)
		}
	},
	// upstream api note:  *PostRun functions aren't called in case of a panic() in Run
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopMemPoll != nil {
			stopMemPoll()
			stopMemPoll = nil
		}
		if stopCPUProf != nil {
			stopCPUProf()
			stopCPUProf = nil
		}
		if codeshipFlags.root.memProfDir != "" {
			if _, err := internal.WriteMemProf(codeshipFlags.root.memProfDir, "codeship-"+cmd.Name()); err != nil {
				logger.Warn("could not write memory profile", zap.Error(err))
			}
		}
		if codeshipFlags.root.metrics {
			printMetrics()
		}
		_ = logger.Sync()
	},
}

var (
	config *CLIConfig
	logger = zap.NewNop()

	promRegistry *prometheus.Registry
	cliMetrics   *metrics.Metrics

	stopCPUProf func()
	stopMemPoll context.CancelFunc
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)

	addLogLevel(rootCmd)
	addCPUProfFlag(rootCmd)
	addMemProfDirFlag(rootCmd)
	addMemPollFlag(rootCmd)
	addMetricsFlag(rootCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetDefault(keyLogLevel, dlogger.LogLevelInfo)
	viper.SetDefault(keyScratch, "")
	viper.SetDefault(keyRoot, "")
	viper.SetDefault(keyPath, []string{})
	viper.SetDefault(keyExclude, []string{})
	viper.SetDefault(keyFingerprintSize, 0)
	viper.SetDefault(keyTool, "")
	viper.SetDefault(keyImage, "")

	if os.Getenv("CODESHIP_CONFIG") != "" {
		// Use config file from the flag.
		viper.SetConfigFile(os.Getenv("CODESHIP_CONFIG"))
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.codeship")
		viper.AddConfigPath("/etc/codeship")
		viper.SetConfigName("codeship")
	}

	viper.SetEnvPrefix("CODESHIP")
	viper.AutomaticEnv() // read in environment variables that match
	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		infoLogger.Println("Using config file:", viper.ConfigFileUsed())
	}
	var err error
	config, err = newConfig()
	if err != nil {
		wrapFatalln("read configuration", err)
		return
	}
	config.setCodeshipParams(&codeshipFlags)
}

// printMetrics writes the counters collected during a command to stderr
func printMetrics() {
	families, err := promRegistry.Gather()
	if err != nil {
		logger.Warn("could not gather metrics", zap.Error(err))
		return
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, pair := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", pair.GetName(), pair.GetValue()))
			}
			sort.Strings(labels)
			var value float64
			if counter := m.GetCounter(); counter != nil {
				value = counter.GetValue()
			}
			_, _ = fmt.Fprintf(os.Stderr, "%s{%s} %v\n", family.GetName(), strings.Join(labels, ","), value)
		}
	}
}
