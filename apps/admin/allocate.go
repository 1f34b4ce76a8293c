package main

import (
	"context"
	"fmt"

	"github.com/rmhse/membership/core"
)

func (cli *commandLine) allocate(role string) error {
	code, err := cli.allocator.Allocate(context.Background(), core.CleanTier(role))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.out, code)
	return err
}
