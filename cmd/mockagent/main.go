// mockagent is a stand-in agent process for the end-to-end scenario tests
// (spec §8): it echoes a configured reply after a configured delay and can
// be told to exit non-zero after N replies to simulate a crash. It is driven
// entirely by environment variables (see internal/testagent) so the
// Lifecycle Supervisor's LaunchCommand/ResumeCommand argv stays a plain
// executable path with no flags to quote.
package main

import (
	"fmt"
	"os"

	"agentmux/internal/testagent"
)

func main() {
	cfg := testagent.ConfigFromEnv()
	if err := testagent.Run(cfg, os.Stdin, os.Stdout); err != nil {
		if err == testagent.ErrCrash {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "[mockagent] %v\n", err)
		os.Exit(1)
	}
}
