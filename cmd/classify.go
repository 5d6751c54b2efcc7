package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var classifyWindow windowFlags

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Relabel cached decks with the current archetype rules",
	Long:  "Runs the format's rule set over every cached deck in the window. Labels are stored beside the cached payload, so sealed tournaments are relabelled too.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := classifyWindow.filter()
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "classify")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Engine.Classify(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "classify")
		}
		fmt.Fprintf(os.Stdout, "Classified %d decks.\n", n)
		return nil
	},
}

func init() {
	classifyWindow.register(classifyCmd)
	rootCmd.AddCommand(classifyCmd)
}
