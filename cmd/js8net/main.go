package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

const longHelp = `
js8net speaks the JS8 networking protocols on behalf of a station:
the UDP peer protocol used by logging and control programs, and the
APRS-IS text session used to gate spots and messages.
`

var exampleUsage = strings.TrimSpace(`
  js8net run --config js8net.toml --watch
  js8net passcode N0CALL-9
  js8net grid FN20xr
  js8net spot --by N0CALL --from KN4CRD --grid EM73 --comment "59 tnx"
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// getRevision returns the VCS revision stamped into the binary, if any.
func getRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "js8net",
		Short:         "JS8 peer and APRS-IS networking daemon",
		Long:          strings.TrimSpace(longHelp),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(),
		newPasscodeCommand(),
		newGridCommand(),
		newSpotCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rev := getRevision()
			if rev == "" {
				rev = "unknown"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "js8net %s (%s) %s/%s\n", getVersion(), rev, runtime.GOOS, runtime.GOARCH)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "js8net: %v\n", err)
		os.Exit(1)
	}
}
