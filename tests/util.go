package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
)

type MemberOpts struct {
	Role       string
	Status     string
	RoleIDs    []string
	Limit      *int
	ReferredBy string
	Password   string
	CreatedAt  time.Time
}

func CreateMember(t *testing.T, repo member.Repository, name, email string, opts MemberOpts) member.Member {
	t.Helper()

	tstamp := time.Now().UTC()
	if !opts.CreatedAt.IsZero() {
		tstamp = opts.CreatedAt.UTC()
	}
	m := member.Member{
		Name:       name,
		Email:      email,
		Role:       opts.Role,
		RoleIDs:    opts.RoleIDs,
		Limit:      opts.Limit,
		ReferredBy: opts.ReferredBy,
		Status:     opts.Status,
		CreatedAt:  tstamp,
		UpdatedAt:  tstamp,
	}
	if m.Role == "" {
		m.Role = member.TierMember
	}
	if m.Status == "" {
		m.Status = member.StatusActive
	}
	if opts.Password != "" {
		if err := m.SetPassword(opts.Password); err != nil {
			t.Fatalf("CreateMember() failed: %v", err)
		}
	}
	m, err := repo.CreateMember(context.Background(), m)
	if err != nil {
		t.Fatalf("CreateMember() failed: %v", err)
	}
	return m
}

func IntPtr(i int) *int { return &i }

// MailRecorder is a synchronous core.EmailService that keeps rendered messages.
type MailRecorder struct {
	mu       sync.Mutex
	Messages []*core.EmailMessage
}

var _ core.EmailService = (*MailRecorder)(nil)

func (r *MailRecorder) SendMessages(messages ...*core.EmailMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range messages {
		_ = msg.Render("http://test.local")
		r.Messages = append(r.Messages, msg)
	}
}

func (r *MailRecorder) Sent() []*core.EmailMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.EmailMessage(nil), r.Messages...)
}
