package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
)

// addUser updates or creates an active member.Member
func (cli *commandLine) addUser(name, email, pwd string, isAdmin bool) error {
	ctx := context.Background()
	name = core.CleanString(name)
	email = core.CleanString(email, true /* lower */)
	now := time.Now().UTC()

	m, err := cli.repo.GetMemberByEmail(ctx, email)
	exists := err == nil
	if err != nil {
		if errors.Cause(err) != member.ErrNotFound {
			return err
		}
		m = member.Member{
			Email:     email,
			Role:      member.TierMember,
			RoleIDs:   []string{},
			CreatedAt: now,
		}
	}
	m.Name = name
	m.Status = member.StatusActive
	m.UpdatedAt = now
	if isAdmin {
		m.Role = member.TierAdmin
	} else if len(m.RoleIDs) == 0 {
		code, err := member.NewRoleCode(m.Role, now)
		if err != nil {
			return err
		}
		m.RoleIDs = append(m.RoleIDs, code)
	}
	if err := m.SetPassword(pwd); err != nil {
		return err
	}

	if exists {
		_, err = cli.repo.UpdateMember(ctx, m)
	} else {
		_, err = cli.repo.CreateMember(ctx, m)
	}
	return err
}
