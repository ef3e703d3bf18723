package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := newApp()
	if err := app.Run(args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %+v\n", appName, err)
		return -1
	}
	return 0
}
