// Command groupwatchd runs the group-chat augmentation daemon: it
// connects to Discord, evaluates every inbound message through the
// decision engine, and drives the proactive scheduler in the
// background.
package main

import (
	"fmt"
	"os"

	"github.com/groupwatch/core/cmd/groupwatchd/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
