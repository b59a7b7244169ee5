package modelgated

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// GetVersion reads the VCS revision embedded at build time by the Go
// toolchain, matching the teacher's GetHelixVersion.
func GetVersion() string {
	version := "<unknown>"
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, kv := range info.Settings {
			if kv.Value == "" {
				continue
			}
			if kv.Key == "vcs.revision" {
				version = kv.Value
			}
		}
	}
	return version
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), GetVersion())
		},
	}
}
