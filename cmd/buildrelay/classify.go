package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"buildrelay/internal/classifier"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [console-log]",
	Short: "Classify a saved console log, or stdin when no file is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		text, err := io.ReadAll(r)
		if err != nil {
			return err
		}

		printClassification(cmd.OutOrStdout(), string(text))
		return nil
	},
}

func printClassification(w io.Writer, text string) {
	c := classifier.Classify(text)
	fmt.Fprintf(w, "Category:   %s\n", c.Category)
	fmt.Fprintf(w, "Confidence: %.2f\n", c.Confidence)
	fmt.Fprintf(w, "Summary:    %s\n", classifier.Summarize(text))
	for _, s := range c.Suggestions {
		fmt.Fprintf(w, "  - %s\n", s)
	}
}
