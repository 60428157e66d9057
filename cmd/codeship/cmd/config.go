package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// configuration keys, also read from CODESHIP_<KEY> environment variables
const (
	keyLogLevel        = "loglevel"
	keyScratch         = "scratch"
	keyRoot            = "root"
	keyPath            = "path"
	keyExclude         = "exclude"
	keyFingerprintSize = "fingerprintsize"
	keyTool            = "tool"
	keyImage           = "image"
)

// CLIConfig describes the CLI configuration.
type CLIConfig struct {
	LogLevel        string   `json:"loglevel" yaml:"loglevel" mapstructure:"loglevel"`
	Scratch         string   `json:"scratch,omitempty" yaml:"scratch,omitempty" mapstructure:"scratch"`
	Root            string   `json:"root,omitempty" yaml:"root,omitempty" mapstructure:"root"`
	Path            []string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
	Exclude         []string `json:"exclude,omitempty" yaml:"exclude,omitempty" mapstructure:"exclude"`
	FingerprintSize uint8    `json:"fingerprintsize,omitempty" yaml:"fingerprintsize,omitempty" mapstructure:"fingerprintsize"`
	Tool            string   `json:"tool,omitempty" yaml:"tool,omitempty" mapstructure:"tool"`
	Image           string   `json:"image,omitempty" yaml:"image,omitempty" mapstructure:"image"`
}

func newConfig() (*CLIConfig, error) {
	var config CLIConfig
	err := viper.Unmarshal(&config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// setCodeshipParams fills in the flags left unset from the configuration
func (c *CLIConfig) setCodeshipParams(flags *flagsT) {
	if flags.root.logLevel == "" {
		flags.root.logLevel = c.LogLevel
	}
	if flags.receiver.scratch == "" {
		flags.receiver.scratch = c.Scratch
	}
	if flags.sender.root == "" {
		flags.sender.root = c.Root
	}
	if len(flags.sender.paths) == 0 {
		flags.sender.paths = c.Path
	}
	if len(flags.receiver.paths) == 0 {
		flags.receiver.paths = c.Path
	}
	if len(flags.sender.exclude) == 0 {
		flags.sender.exclude = c.Exclude
	}
	if flags.sender.fingerprintSize == 0 {
		flags.sender.fingerprintSize = c.FingerprintSize
	}
	if flags.receiver.tool == "" {
		flags.receiver.tool = c.Tool
	}
	if flags.test.image == "" {
		flags.test.image = c.Image
	}
}

// configCmd represents the config related commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Commands to manage a config",
	Long: `Commands to manage codeship CLI config.

Configuration for codeship is the common set of flags that are needed for most commands and do not change across runs,
analogous to "git config ...". `,
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Prints the configuration in use",
	Run: func(cmd *cobra.Command, args []string) {
		o, err := yaml.Marshal(config)
		if err != nil {
			wrapFatalln("serialize config to yaml", err)
			return
		}
		_, _ = logStdOut("%s", o)
	},
}

var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a config",
	Long:  "Create a config to use for codeship. Config file will be placed in $HOME/.codeship/codeship.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		home, err := os.UserHomeDir()
		if err != nil {
			wrapFatalln("could not get home directory for user", err)
			return
		}
		c := CLIConfig{
			LogLevel:        codeshipFlags.root.logLevel,
			Scratch:         codeshipFlags.receiver.scratch,
			Root:            codeshipFlags.sender.root,
			Path:            codeshipFlags.sender.paths,
			Exclude:         codeshipFlags.sender.exclude,
			FingerprintSize: codeshipFlags.sender.fingerprintSize,
			Tool:            codeshipFlags.receiver.tool,
			Image:           codeshipFlags.test.image,
		}
		o, err := yaml.Marshal(c)
		if err != nil {
			wrapFatalln("serialize config to yaml", err)
			return
		}
		dir := filepath.Join(home, ".codeship")
		if err = os.MkdirAll(dir, 0o755); err != nil {
			wrapFatalln("create config directory", err)
			return
		}
		if err = os.WriteFile(filepath.Join(dir, "codeship.yaml"), o, 0o644); err != nil {
			wrapFatalln("write config file", err)
			return
		}
	},
}

func init() {
	addScratchFlag(configCreateCmd)
	addRootFlag(configCreateCmd)
	addSenderPathFlag(configCreateCmd)
	addExcludeFlag(configCreateCmd)
	addFingerprintSizeFlag(configCreateCmd)
	addToolFlag(configCreateCmd)
	addImageFlag(configCreateCmd)

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configCreateCmd)
	rootCmd.AddCommand(configCmd)
}
