package cmd

import (
	"github.com/spf13/cobra"
)

// purgeCmd removes installed locations
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Removes the code units installed under the scratch directory",
	Long: `Removes the code units installed under the scratch directory, and the staging
directories left over by interrupted installs.

NOTES:
* locations in use by the purging process are kept: a standalone purge has none
* locations installed more recently than --purge-grace are kept, as a receiver
  running concurrently may still load modules from them
`,
	Run: func(cmd *cobra.Command, args []string) {
		purged, err := newReceiver().Purge()
		for _, location := range purged {
			_, _ = logStdOut("%s\n", location)
		}
		if err != nil {
			wrapFatalln("purge installed locations", err)
			return
		}
	},
}

func init() {
	addScratchFlag(purgeCmd)
	addToolFlag(purgeCmd)
	addPurgeGraceFlag(purgeCmd)

	rootCmd.AddCommand(purgeCmd)
}
