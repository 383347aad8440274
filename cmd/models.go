package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/Tutortoise/face-embedding-service/faceanalysis"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known model packs and whether their files are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tINSTALLED\tSELECTED")
		fmt.Fprintln(w, "----\t---------\t--------")

		for _, name := range faceanalysis.KnownModels() {
			ac := analysisConfig(cfg)
			ac.Name = name
			if name != cfg.Model.Name {
				ac.DetectorFile, ac.RecognizerFile = "", ""
			}
			_, _, err := faceanalysis.ModelFiles(ac)

			selected := ""
			if name == cfg.Model.Name {
				selected = "*"
			}
			fmt.Fprintf(w, "%s\t%t\t%s\n", name, err == nil, selected)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
