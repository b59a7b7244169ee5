// Package modelgated is the CLI entry point for the rate limiting engine:
// version, validate-config, and simulate.
package modelgated

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Fatal is called on any command error; overridable in tests.
var Fatal = FatalErrorHandler

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   getCommandLineExecutable(),
		Short: "modelgated",
		Long:  `Multi-model LLM rate limiting engine`,
	}

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newValidateConfigCommand())
	rootCmd.AddCommand(newSimulateCommand())

	return rootCmd
}

func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOutput(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		Fatal(rootCmd, err.Error(), 1)
	}
}

func getCommandLineExecutable() string {
	return os.Args[0]
}

func FatalErrorHandler(cmd *cobra.Command, msg string, code int) {
	if len(msg) > 0 {
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
		cmd.Print(msg)
	}
	os.Exit(code)
}
