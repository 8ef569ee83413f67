// Command kernel is the command-line tool for the simulated kernel core.
package main

import (
	"context"
	"os"

	"github.com/nilarch/kernel/internal/cli"
	"github.com/nilarch/kernel/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Demo(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
