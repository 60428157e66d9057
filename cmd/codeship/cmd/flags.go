// Copyright © 2018 One Concern

package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/oneconcern/codeship/pkg/install"
)

type flagsT struct {
	root struct {
		logLevel   string
		cpuProf    bool
		memProfDir string
		memPoll    time.Duration
		metrics    bool
	}
	sender struct {
		root            string
		paths           []string
		exclude         []string
		fingerprintSize uint8
	}
	payload struct {
		module string
		symbol string
		args   []string
		out    string
	}
	receiver struct {
		scratch string
		paths   []string
		tool       string
		purge      bool
		purgeGrace time.Duration
	}
	test struct {
		runner  string
		image   string
		binary  string
		timeout time.Duration
		keep    bool
	}
}

var codeshipFlags = flagsT{}

func addLogLevel(cmd *cobra.Command) string {
	logLevel := "log-level"
	cmd.PersistentFlags().StringVar(&codeshipFlags.root.logLevel, logLevel, "",
		`The logging level. Levels by increasing order of verbosity: none, error, warn, info, debug (defaults to "info")`)
	return logLevel
}

func addCPUProfFlag(cmd *cobra.Command) string {
	cpuProf := "cpuprof"
	cmd.PersistentFlags().BoolVar(&codeshipFlags.root.cpuProf, cpuProf, false, "Toggles cpu profiling, written to cpu.prof")
	return cpuProf
}

func addMemProfDirFlag(cmd *cobra.Command) string {
	memProf := "memprof-dir"
	cmd.PersistentFlags().StringVar(&codeshipFlags.root.memProfDir, memProf, "",
		"Writes heap and allocation profiles to this directory when the command is done")
	return memProf
}

func addMemPollFlag(cmd *cobra.Command) string {
	memPoll := "mem-poll"
	cmd.PersistentFlags().DurationVar(&codeshipFlags.root.memPoll, memPoll, 0,
		"Logs heap growth at this interval while the command runs (disabled when 0)")
	return memPoll
}

func addMetricsFlag(cmd *cobra.Command) string {
	m := "metrics"
	cmd.PersistentFlags().BoolVar(&codeshipFlags.root.metrics, m, false,
		"Prints the counters collected by the command to stderr when it is done")
	return m
}

func addRootFlag(cmd *cobra.Command) string {
	root := "root"
	cmd.Flags().StringVar(&codeshipFlags.sender.root, root, "",
		"The project root: code units loaded from under this directory are shipped (defaults to the working directory)")
	return root
}

func addSenderPathFlag(cmd *cobra.Command) string {
	path := "path"
	cmd.Flags().StringSliceVar(&codeshipFlags.sender.paths, path, nil,
		"Additional directories to load lua modules from, after the project root")
	return path
}

func addExcludeFlag(cmd *cobra.Command) string {
	exclude := "exclude"
	cmd.Flags().StringSliceVar(&codeshipFlags.sender.exclude, exclude, nil,
		"Names of directories holding installed dependencies, never shipped (defaults to lua_modules, .luarocks, vendor)")
	return exclude
}

func addFingerprintSizeFlag(cmd *cobra.Command) string {
	size := "fingerprint-size"
	cmd.Flags().Uint8Var(&codeshipFlags.sender.fingerprintSize, size, 0,
		"The width in bytes of bundle fingerprints, between 16 and 64 (defaults to 20)")
	return size
}

func addModuleFlag(cmd *cobra.Command) string {
	module := "module"
	cmd.Flags().StringVar(&codeshipFlags.payload.module, module, "", "The lua module defining the function to call, e.g. pkg.mod")
	return module
}

func addSymbolFlag(cmd *cobra.Command) string {
	symbol := "symbol"
	cmd.Flags().StringVar(&codeshipFlags.payload.symbol, symbol, "",
		"The dotted path to the function in the table returned by the module, e.g. f or inner.g")
	return symbol
}

func addArgFlag(cmd *cobra.Command) string {
	arg := "arg"
	cmd.Flags().StringArrayVar(&codeshipFlags.payload.args, arg, nil,
		"An argument to the function, as a YAML value (repeat for several arguments)")
	return arg
}

func addOutFlag(cmd *cobra.Command) string {
	out := "out"
	cmd.Flags().StringVar(&codeshipFlags.payload.out, out, "payload.cbor", `The file to write the payload to ("-" for stdout)`)
	return out
}

func addScratchFlag(cmd *cobra.Command) string {
	scratch := "scratch"
	cmd.Flags().StringVar(&codeshipFlags.receiver.scratch, scratch, "",
		"The directory shipped code units are installed under (defaults to the system temporary directory)")
	return scratch
}

func addReceiverPathFlag(cmd *cobra.Command) string {
	path := "path"
	cmd.Flags().StringSliceVar(&codeshipFlags.receiver.paths, path, nil,
		"Directories to load lua modules from, for the code that is not shipped")
	return path
}

func addToolFlag(cmd *cobra.Command) string {
	tool := "tool"
	cmd.Flags().StringVar(&codeshipFlags.receiver.tool, tool, "", `The prefix of installed locations (defaults to "codeship")`)
	return tool
}

func addPurgeFlag(cmd *cobra.Command) string {
	purge := "purge"
	cmd.Flags().BoolVar(&codeshipFlags.receiver.purge, purge, false, "Removes the installed locations no longer in use when done")
	return purge
}

func addPurgeGraceFlag(cmd *cobra.Command) string {
	grace := "purge-grace"
	cmd.Flags().DurationVar(&codeshipFlags.receiver.purgeGrace, grace, install.DefaultPurgeGrace,
		"Keeps the locations installed more recently than this, since other receivers may use them")
	return grace
}

func addRunnerFlag(cmd *cobra.Command) string {
	runner := "runner"
	cmd.Flags().StringVar(&codeshipFlags.test.runner, runner, runnerLocal,
		`Where to run the payload: "local" runs a new process, "container" a disposable docker container`)
	return runner
}

func addImageFlag(cmd *cobra.Command) string {
	image := "image"
	cmd.Flags().StringVar(&codeshipFlags.test.image, image, "", "The docker image used by the container runner. It must provide the codeship executable")
	return image
}

func addBinaryFlag(cmd *cobra.Command) string {
	binary := "binary"
	cmd.Flags().StringVar(&codeshipFlags.test.binary, binary, "",
		"The codeship executable used to run the payload (defaults to this one, or to codeship in containers)")
	return binary
}

func addTimeoutFlag(cmd *cobra.Command) string {
	timeout := "timeout"
	cmd.Flags().DurationVar(&codeshipFlags.test.timeout, timeout, 5*time.Minute, "Kills the payload after this duration")
	return timeout
}

func addKeepFlag(cmd *cobra.Command) string {
	keep := "keep"
	cmd.Flags().BoolVar(&codeshipFlags.test.keep, keep, false, "Leaves the shared directory of the payload in place")
	return keep
}
