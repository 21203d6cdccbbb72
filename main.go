// mediabatch/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "mediabatch",
		Short: "Batch media transcription and translation",
		Long: `mediabatch downloads audio for a list of media URLs, transcribes it,
optionally translates the transcript and exports subtitle and text files.
Tasks run on a bounded worker pool that can be paused, resumed and cancelled,
and expensive intermediate artifacts are kept in a disk cache.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
