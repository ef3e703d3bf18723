// Package flags defines command line flags shared by the replblk commands.
// Flags are grouped into categories, and each category has a function that
// converts its flags into options of the package it configures.
package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func nonNegativeInt(name string) func(*cli.Context, int) error {
	return func(_ *cli.Context, value int) error {
		if value < 0 {
			return fmt.Errorf("invalid value \"%d\" for flag --%s", value, name)
		}
		return nil
	}
}

func positiveInt(name string) func(*cli.Context, int) error {
	return func(_ *cli.Context, value int) error {
		if value <= 0 {
			return fmt.Errorf("invalid value \"%d\" for flag --%s", value, name)
		}
		return nil
	}
}
