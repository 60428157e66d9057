package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/oneconcern/codeship/pkg/harness"
)

const (
	runnerLocal     = "local"
	runnerContainer = "container"
)

var testCmd = &cobra.Command{
	Use:   "test PAYLOAD",
	Short: "Runs a payload in a fresh process, as a receiver that never had its code",
	Long: `Runs a payload in an isolated receiver: "codeship run" is invoked in a new process
started from an empty working directory, or in a disposable docker container.

This checks that a payload carries all the code it needs. The output of the run is
streamed to stderr, and the command exits with the status of the run.
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runner, err := newRunner()
		if err != nil {
			wrapFatalln("setup runner", err)
			return
		}
		abs, err := filepath.Abs(args[0])
		if err != nil {
			wrapFatalln("locate payload", err)
			return
		}
		src, key, err := payloadStore(abs, true)
		if err != nil {
			wrapFatalln("open payload", err)
			return
		}

		h := harness.New(runner, harness.Logger(logger), harness.KeepShared(codeshipFlags.test.keep))
		res, err := h.RunStored(context.Background(), src, key)
		if err != nil {
			wrapFatalln("run payload", err)
			return
		}

		summary := *res
		summary.Output = ""
		o, err := yaml.Marshal(summary)
		if err != nil {
			wrapFatalln("serialize result to yaml", err)
			return
		}
		_, _ = logStdOut("%s", o)
		if !res.Passed {
			code := res.ExitCode
			if code == 0 {
				code = 1
			}
			wrapFatalWithCodef(code, "payload failed with exit code %d", res.ExitCode)
		}
	},
}

func newRunner() (harness.Runner, error) {
	opts := []harness.RunnerOption{
		harness.Stream(os.Stderr),
		harness.Timeout(codeshipFlags.test.timeout),
		harness.Env("CODESHIP_LOGLEVEL", codeshipFlags.root.logLevel),
	}
	if codeshipFlags.test.binary != "" {
		opts = append(opts, harness.Binary(codeshipFlags.test.binary))
	}

	switch codeshipFlags.test.runner {
	case runnerLocal:
		return harness.NewLocal(opts...), nil
	case runnerContainer:
		if codeshipFlags.test.image == "" {
			return nil, errImageRequired
		}
		return harness.NewContainer(codeshipFlags.test.image, opts...), nil
	default:
		return nil, errUnknownRunner.Wrapf("%q", codeshipFlags.test.runner)
	}
}

func init() {
	addRunnerFlag(testCmd)
	addImageFlag(testCmd)
	addBinaryFlag(testCmd)
	addTimeoutFlag(testCmd)
	addKeepFlag(testCmd)

	rootCmd.AddCommand(testCmd)
}
