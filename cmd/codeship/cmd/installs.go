package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

type installationView struct {
	Unit        string `yaml:"unit"`
	Fingerprint string `yaml:"fingerprint"`
	Location    string `yaml:"location"`
}

var installsCmd = &cobra.Command{
	Use:   "installs",
	Short: "Lists the code units installed under the scratch directory",
	Long: `Lists the code units installed under the scratch directory, by any receiving process.

Each installed location is named after the tool, the unit and the fingerprint of the
bundle extracted there.
`,
	Run: func(cmd *cobra.Command, args []string) {
		locations, err := newReceiver().Locations()
		if err != nil {
			wrapFatalln("list installed locations", err)
			return
		}
		views := make([]installationView, 0, len(locations))
		for _, location := range locations {
			views = append(views, installationView{
				Unit:        location.Unit,
				Fingerprint: location.Fingerprint.String(),
				Location:    location.Location,
			})
		}
		o, err := yaml.Marshal(views)
		if err != nil {
			wrapFatalln("serialize installations to yaml", err)
			return
		}
		_, _ = logStdOut("%s", o)
	},
}

func init() {
	addScratchFlag(installsCmd)
	addToolFlag(installsCmd)

	rootCmd.AddCommand(installsCmd)
}
