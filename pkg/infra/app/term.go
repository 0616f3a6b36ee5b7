package app

import (
	"github.com/spf13/cobra"
	"k8s.io/component-base/term"
)

// terminalSize returns the width of the terminal attached to cmd's output.
func terminalSize(cmd *cobra.Command) (int, int, error) {
	return term.TerminalSize(cmd.OutOrStdout())
}
