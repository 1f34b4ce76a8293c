package main

import (
	"context"
	"time"

	"github.com/rmhse/membership/core"
)

func (cli *commandLine) resetPassword(email, pwd string) error {
	ctx := context.Background()
	m, err := cli.repo.GetMemberByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return err
	}
	if err := m.SetPassword(pwd); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	if _, err := cli.repo.UpdateMember(ctx, m); err != nil {
		return err
	}
	return nil
}
