// Command ducky boots and runs a 32-bit virtual machine from a
// configuration document.
package main

import (
	"context"
	"os"

	"github.com/pombredanne/ducky/internal/cli"
	"github.com/pombredanne/ducky/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Runner(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
