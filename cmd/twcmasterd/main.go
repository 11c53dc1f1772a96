package main

import (
	"fmt"
	"io"
	"os"

	"github.com/twcmaster/twcmaster/cmd/twcmasterd/command"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, _ io.Writer, stderr io.Writer) int {
	app := command.App()
	if err := app.Run(args); err != nil {
		_, _ = fmt.Fprintf(stderr, "twcmasterd: %s\n", err)
		return 1
	}
	return 0
}
