// Package main is the opcode entry point. It serves the session execution
// API and runs single sessions from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "opcode",
		Short:         "Run and supervise AI coding engine sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Directory containing config.yaml")

	root.AddCommand(newServeCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newEnginesCommand())
	return root
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitStatus carries a session's exit code out of the run command.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func exitCode(err error) int {
	if code, ok := err.(exitStatus); ok && code > 0 {
		return int(code)
	}
	return 1
}
