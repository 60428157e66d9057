package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/oneconcern/codeship/pkg/codeship"
)

type runOutput struct {
	Results []interface{} `yaml:"results"`
}

var runCmd = &cobra.Command{
	Use:   "run PAYLOAD",
	Short: "Loads a payload and calls the function it holds",
	Long: `Loads a payload produced by "codeship dump", installs the code units shipped with it,
then calls the function with its arguments. Results are printed as YAML.

The command fails when the payload cannot be loaded or when the function raises an error.
Use "-" to read the payload from stdin.
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		raw, err := readPayload(ctx, args[0])
		if err != nil {
			wrapFatalln("read payload", err)
			return
		}

		reg := newReceiver()
		if codeshipFlags.receiver.purge {
			defer func() {
				if _, err := reg.Purge(); err != nil {
					logger.Warn("could not purge installed locations", zap.Error(err))
				}
			}()
		}

		v, err := codeship.Loads(reg, raw, codeship.RuntimeLogger(logger))
		if err != nil {
			wrapFatalln("load payload", err)
			return
		}
		results, err := codeship.Invoke(v)
		if err != nil {
			wrapFatalln("call payload", err)
			return
		}
		for _, installation := range reg.Installations() {
			logger.Debug("installed", zap.Stringer("installation", installation))
		}

		o, err := yaml.Marshal(runOutput{Results: results})
		if err != nil {
			wrapFatalln("serialize results to yaml", err)
			return
		}
		_, _ = logStdOut("%s", o)
	},
}

func init() {
	addScratchFlag(runCmd)
	addReceiverPathFlag(runCmd)
	addToolFlag(runCmd)
	addPurgeFlag(runCmd)
	addPurgeGraceFlag(runCmd)

	rootCmd.AddCommand(runCmd)
}
