package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/rmhse/membership/core/member"
)

type memberRepository struct {
	db *memberTable
}

var _ member.Repository = (*memberRepository)(nil) // interface compliance check

func NewMemberRepository(db *DB) *memberRepository {
	return &memberRepository{db: db.member}
}

// query returns copies of the stored members in insertion order.
func (repo *memberRepository) query(match func(m *member.Member) bool) []member.Member {
	members := make([]member.Member, 0)
	for _, m := range repo.db.table {
		if match == nil || match(m) {
			members = append(members, clone(*m))
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return repo.db.order[members[i].ID] < repo.db.order[members[j].ID]
	})
	return members
}

func clone(m member.Member) member.Member {
	if m.RoleIDs != nil {
		m.RoleIDs = append([]string(nil), m.RoleIDs...)
	}
	if m.Limit != nil {
		limit := *m.Limit
		m.Limit = &limit
	}
	return m
}

func (repo *memberRepository) CheckEmailUniqueness(_ context.Context, email string, excluded ...member.Member) error {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, m := range repo.db.table {
		if m.Email == email && !isExcluded(m.ID, excluded) {
			return member.ErrEmailExists
		}
	}
	return nil
}

func (repo *memberRepository) CreateMember(_ context.Context, m member.Member) (member.Member, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, other := range repo.db.table {
		if other.Email == m.Email {
			return member.Member{}, member.ErrEmailExists
		}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m = clone(m)
	repo.db.seq++
	repo.db.order[m.ID] = repo.db.seq
	repo.db.table[m.ID] = &m
	return clone(m), nil
}

func (repo *memberRepository) GetMemberByID(_ context.Context, id string) (member.Member, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if m, ok := repo.db.table[id]; ok {
		return clone(*m), nil
	}
	return member.Member{}, member.ErrNotFound
}

func (repo *memberRepository) GetMemberByEmail(_ context.Context, email string) (member.Member, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, m := range repo.db.table {
		if m.Email == email {
			return clone(*m), nil
		}
	}
	return member.Member{}, member.ErrNotFound
}

func (repo *memberRepository) QueryMembersByRole(_ context.Context, role string, offset, limit int) ([]member.Member, int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	members := repo.query(func(m *member.Member) bool { return m.Role == role })
	total := len(members)
	if offset >= total {
		return []member.Member{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return members[offset:end], total, nil
}

func (repo *memberRepository) CountReferrals(_ context.Context, codes []string) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	var count int
	for _, m := range repo.db.table {
		if _, ok := set[m.ReferredBy]; ok && m.ReferredBy != "" {
			count++
		}
	}
	return count, nil
}

func (repo *memberRepository) UpdateMember(_ context.Context, m member.Member) (member.Member, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[m.ID]; !ok {
		return member.Member{}, member.ErrNotFound
	}
	m = clone(m)
	repo.db.table[m.ID] = &m
	return clone(m), nil
}

// DeleteMembersByID is used by tests to reset state.
func (repo *memberRepository) DeleteMembersByID(ids ...string) {
	repo.db.Lock()
	defer repo.db.Unlock()
	for _, id := range ids {
		delete(repo.db.table, id)
		delete(repo.db.order, id)
	}
}

func isExcluded(id string, excluded []member.Member) bool {
	for _, m := range excluded {
		if m.ID == id {
			return true
		}
	}
	return false
}
