package main

import (
	"context"
	"fmt"

	"github.com/rmhse/membership/core"
)

// token prints a fresh API token for the member. An admin's token serves as the directory token.
func (cli *commandLine) token(email string) error {
	m, err := cli.repo.GetMemberByEmail(context.Background(), core.CleanString(email, true /* lower */))
	if err != nil {
		return err
	}
	token, err := cli.auth.MemberToken(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.out, token)
	return err
}
