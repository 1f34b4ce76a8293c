package directory

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rmhse/membership/core/member"
	"github.com/rmhse/membership/core/referral"
)

// Local reads the member directory straight from the member store.
type Local struct {
	repo     member.Repository
	pageSize int
}

var _ referral.Directory = (*Local)(nil)

func NewLocal(repo member.Repository, pageSize int) *Local {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Local{repo: repo, pageSize: pageSize}
}

// MembersByRole walks the store in pages until every member holding role is read.
func (l *Local) MembersByRole(ctx context.Context, role string) ([]referral.Candidate, error) {
	var candidates []referral.Candidate
	for offset := 0; ; offset += l.pageSize {
		members, total, err := l.repo.QueryMembersByRole(ctx, role, offset, l.pageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s members", role)
		}
		for _, m := range members {
			candidates = append(candidates, Candidate(m))
		}
		if len(members) == 0 || offset+len(members) >= total {
			return candidates, nil
		}
	}
}

func (l *Local) ReferralCount(ctx context.Context, memberID string) (int, error) {
	m, err := l.repo.GetMemberByID(ctx, memberID)
	if err != nil {
		return 0, err
	}
	if len(m.RoleIDs) == 0 {
		return 0, nil
	}
	return l.repo.CountReferrals(ctx, m.RoleIDs)
}
