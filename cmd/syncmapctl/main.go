package main

import (
	"os"

	"github.com/AleksandrSl/client/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Subcommands print their own formatted errors; the exit code
		// carries the failure class.
		os.Exit(cli.GetExitCode(err))
	}
}
