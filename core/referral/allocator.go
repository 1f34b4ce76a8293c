// Package referral picks the existing member a new signup is attributed to.
package referral

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rmhse/membership/core"
)

const (
	DefaultFallbackLimit = 25
	DefaultCountTimeout  = 5 * time.Second
)

var (
	ErrNoCandidatesFound = errors.New("no referrers available")
	ErrCapacityExhausted = errors.New("referral capacity exhausted")
	ErrDataIntegrity     = errors.New("referrer has no issued code")
)

type (
	// Candidate is a directory member that may be credited as a referrer.
	Candidate struct {
		ID   string
		Role string
		// Limit is the directory-supplied referral limit, 0 when the record has none.
		Limit int
		// RoleCodes are the tier codes issued to the member, oldest first.
		RoleCodes []string
	}

	// Directory is the member directory the allocator reads from.
	Directory interface {
		// MembersByRole returns every member holding role.
		MembersByRole(ctx context.Context, role string) ([]Candidate, error)
		ReferralCount(ctx context.Context, memberID string) (int, error)
	}

	Option func(*Allocator)

	// Allocator is stateless between calls and safe for concurrent use.
	// Nothing is reserved: two concurrent calls may pick the same candidate.
	Allocator struct {
		dir            Directory
		logger         core.Logger
		fallbackLimit  int
		countTimeout   time.Duration
		maxConcurrency int
		intN           func(n int) int
	}
)

// WithFallbackLimit sets the limit applied to candidates without one.
func WithFallbackLimit(limit int) Option {
	return func(a *Allocator) { a.fallbackLimit = limit }
}

// WithCountTimeout bounds each referral count lookup. Zero disables the bound.
func WithCountTimeout(d time.Duration) Option {
	return func(a *Allocator) { a.countTimeout = d }
}

// WithMaxConcurrency caps the in-flight count lookups. Zero means one goroutine per candidate.
func WithMaxConcurrency(n int) Option {
	return func(a *Allocator) { a.maxConcurrency = n }
}

func WithLogger(logger core.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

// WithIntN replaces the uniform draw over [0, n). fn must be safe for concurrent use.
func WithIntN(fn func(n int) int) Option {
	return func(a *Allocator) { a.intN = fn }
}

// NewAllocator returns an Allocator reading from dir.
func NewAllocator(dir Directory, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		dir:           dir,
		logger:        core.NopLogger{},
		fallbackLimit: DefaultFallbackLimit,
		countTimeout:  DefaultCountTimeout,
		intN:          rand.Intn,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.dir == nil || a.logger == nil || a.intN == nil {
		return nil, errors.New("referral.NewAllocator: dir, logger and intN are required")
	}
	err := vala.BeginValidation().Validate(
		vala.GreaterThan(a.fallbackLimit, 0, "fallbackLimit"),
		vala.GreaterThan(a.maxConcurrency, -1, "maxConcurrency"),
		vala.GreaterThan(int(a.countTimeout), -1, "countTimeout"),
	).Check()
	if err != nil {
		return nil, errors.Wrap(err, "referral.NewAllocator")
	}
	return a, nil
}

// NewAllocatorFromConfig builds an Allocator from the referral settings.
func NewAllocatorFromConfig(dir Directory, conf *core.Config, logger core.Logger) (*Allocator, error) {
	opts := []Option{
		WithMaxConcurrency(conf.Referral.MaxConcurrency),
		WithLogger(logger),
	}
	if conf.Referral.FallbackLimit > 0 {
		opts = append(opts, WithFallbackLimit(conf.Referral.FallbackLimit))
	}
	if conf.Referral.CountTimeout > 0 {
		opts = append(opts, WithCountTimeout(conf.Referral.CountTimeout))
	}
	return NewAllocator(dir, opts...)
}

// EffectiveLimit is the candidate's own limit, or the fallback when it has none.
func (a *Allocator) EffectiveLimit(c Candidate) int {
	if c.Limit != 0 {
		return c.Limit
	}
	return a.fallbackLimit
}

// Allocate returns the latest code of a member of role picked uniformly
// among those whose referral count is below their limit.
func (a *Allocator) Allocate(ctx context.Context, role string) (string, error) {
	candidates, err := a.dir.MembersByRole(ctx, role)
	if err != nil {
		a.logger.Error("listing referral candidates", err, map[string]interface{}{"role": role})
		// the directory error is kept as text only; Cause must stay ErrNoCandidatesFound
		return "", errors.Wrapf(ErrNoCandidatesFound, "role %s: %v", role, err)
	}
	if len(candidates) == 0 {
		return "", errors.Wrapf(ErrNoCandidatesFound, "role %s", role)
	}

	eligible := a.eligible(ctx, role, candidates)
	if len(eligible) == 0 {
		return "", errors.Wrapf(ErrCapacityExhausted, "role %s: %d candidates", role, len(candidates))
	}

	chosen := eligible[a.intN(len(eligible))]
	if len(chosen.RoleCodes) == 0 {
		return "", errors.Wrapf(ErrDataIntegrity, "member %s", chosen.ID)
	}
	return chosen.RoleCodes[len(chosen.RoleCodes)-1], nil
}

// eligible fetches every candidate's referral count concurrently and keeps
// the ones with remaining capacity, in directory order.
// A failed or timed-out lookup excludes its candidate.
func (a *Allocator) eligible(ctx context.Context, role string, candidates []Candidate) []Candidate {
	ok := make([]bool, len(candidates))
	failed := make([]error, len(candidates))

	// lookups never return an error so one failure does not cancel the others
	var g errgroup.Group
	if a.maxConcurrency > 0 {
		g.SetLimit(a.maxConcurrency)
	}
	for i := range candidates {
		i := i
		g.Go(func() error {
			count, err := a.count(ctx, candidates[i].ID)
			if err != nil {
				failed[i] = err
				return nil
			}
			ok[i] = count < a.EffectiveLimit(candidates[i])
			return nil
		})
	}
	_ = g.Wait()

	var (
		eligible []Candidate
		nFailed  int
	)
	for i, c := range candidates {
		if failed[i] != nil {
			nFailed++
			a.logger.Debug(fmt.Sprintf("referral: count lookup for member %s failed: %v", c.ID, failed[i]))
			continue
		}
		if ok[i] {
			eligible = append(eligible, c)
		}
	}
	if nFailed == len(candidates) {
		a.logger.Warn(fmt.Sprintf("referral: all %d count lookups failed for role %s", nFailed, role))
	}
	return eligible
}

func (a *Allocator) count(ctx context.Context, id string) (int, error) {
	if a.countTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.countTimeout)
		defer cancel()
	}
	return a.dir.ReferralCount(ctx, id)
}
