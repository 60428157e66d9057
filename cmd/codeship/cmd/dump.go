package cmd

import (
	"bytes"
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oneconcern/codeship/pkg/codec"
	"github.com/oneconcern/codeship/pkg/codeship"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Serializes a call to a lua function, along with the local code it needs",
	Long: `Serializes a call to a lua function, along with the local code units it needs.

The function is looked up in the table returned by a module, then serialized with its
arguments as a payload. The code units the payload refers to are shipped inside it when
they are loaded from under the project root, and not from a dependency directory.

Arguments are read as YAML values: numbers, booleans, strings, lists and maps.
`,
	Example: `codeship dump --module pkg.mod --symbol f --arg 2 --arg '{a: 1}' --out payload.cbor`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		host, opts, err := newSender()
		if err != nil {
			wrapFatalln("setup sender", err)
			return
		}
		fn, err := host.Symbol(codeshipFlags.payload.module, codeshipFlags.payload.symbol)
		if err != nil {
			wrapFatalln("lookup function", err)
			return
		}
		callArgs, err := parseArgs(codeshipFlags.payload.args)
		if err != nil {
			wrapFatalln("parse arguments", err)
			return
		}

		var buf bytes.Buffer
		pickler := codeship.Extend(codec.NewEncoder(&buf), host, opts...)
		if err = pickler.Encode(codeship.Thunk(fn, callArgs...)); err != nil {
			wrapFatalln("serialize payload", err)
			return
		}
		if err = writePayload(ctx, codeshipFlags.payload.out, buf.Bytes()); err != nil {
			wrapFatalln("write payload", err)
			return
		}
		if codeshipFlags.payload.out != stdio {
			infoLogger.Printf("wrote %s (%d bytes), shipped units: [%s]",
				codeshipFlags.payload.out, buf.Len(), strings.Join(pickler.Session().Units(), ", "))
		}
	},
}

func init() {
	requiredFlags := []string{addModuleFlag(dumpCmd), addSymbolFlag(dumpCmd)}
	addArgFlag(dumpCmd)
	addOutFlag(dumpCmd)
	addRootFlag(dumpCmd)
	addSenderPathFlag(dumpCmd)
	addExcludeFlag(dumpCmd)
	addFingerprintSizeFlag(dumpCmd)

	for _, flag := range requiredFlags {
		err := dumpCmd.MarkFlagRequired(flag)
		if err != nil {
			wrapFatalln("mark required flag", err)
			return
		}
	}
	rootCmd.AddCommand(dumpCmd)
}
