package referral

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDirectory struct {
	members   []Candidate
	listErr   error
	counts    map[string]int
	countErrs map[string]error
	// block makes the count lookup for an id wait for ctx to be done
	block map[string]bool
	delay time.Duration

	inFlight, maxInFlight int32
	mu                    sync.Mutex
	roles                 []string
}

func (d *fakeDirectory) MembersByRole(_ context.Context, role string) ([]Candidate, error) {
	d.mu.Lock()
	d.roles = append(d.roles, role)
	d.mu.Unlock()
	return d.members, d.listErr
}

func (d *fakeDirectory) ReferralCount(ctx context.Context, id string) (int, error) {
	n := atomic.AddInt32(&d.inFlight, 1)
	defer atomic.AddInt32(&d.inFlight, -1)
	for {
		max := atomic.LoadInt32(&d.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&d.maxInFlight, max, n) {
			break
		}
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	if d.block[id] {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err := d.countErrs[id]; err != nil {
		return 0, err
	}
	return d.counts[id], nil
}

type recordingLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *recordingLogger) Debug(string, ...interface{}) {}
func (l *recordingLogger) Info(string, ...interface{})  {}
func (l *recordingLogger) Warn(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
func (l *recordingLogger) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}
func (l *recordingLogger) Fatal(string, ...interface{}) {}

func newAllocator(t *testing.T, dir Directory, opts ...Option) *Allocator {
	t.Helper()
	a, err := NewAllocator(dir, opts...)
	require.NoError(t, err)
	return a
}

func TestNewAllocator(t *testing.T) {
	dir := &fakeDirectory{}
	tests := []struct {
		name    string
		dir     Directory
		opts    []Option
		wantErr bool
	}{
		{"defaults", dir, nil, false},
		{"nil directory", nil, nil, true},
		{"zero fallback limit", dir, []Option{WithFallbackLimit(0)}, true},
		{"negative concurrency", dir, []Option{WithMaxConcurrency(-1)}, true},
		{"negative timeout", dir, []Option{WithCountTimeout(-time.Second)}, true},
		{"nil logger", dir, []Option{WithLogger(nil)}, true},
		{"bounded", dir, []Option{WithMaxConcurrency(2), WithCountTimeout(0), WithFallbackLimit(10)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := NewAllocator(tc.dir, tc.opts...)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, a)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, a)
			}
		})
	}
}

func TestAllocator_EffectiveLimit(t *testing.T) {
	a := newAllocator(t, &fakeDirectory{})
	assert.Equal(t, DefaultFallbackLimit, a.EffectiveLimit(Candidate{}))
	assert.Equal(t, 25, a.EffectiveLimit(Candidate{}))
	assert.Equal(t, 3, a.EffectiveLimit(Candidate{Limit: 3}))

	a = newAllocator(t, &fakeDirectory{}, WithFallbackLimit(40))
	assert.Equal(t, 40, a.EffectiveLimit(Candidate{}))
	assert.Equal(t, 3, a.EffectiveLimit(Candidate{Limit: 3}))
}

func TestAllocator_Allocate(t *testing.T) {
	ctx := context.Background()

	t.Run("skips candidates at capacity", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{
				{ID: "a", Role: "DIV", Limit: 25, RoleCodes: []string{"MEM1", "DIV1"}},
				{ID: "b", Role: "DIV", Limit: 25, RoleCodes: []string{"DIV2"}},
				{ID: "c", Role: "DIV", Limit: 25, RoleCodes: []string{"DIV3"}},
			},
			counts: map[string]int{"a": 5, "b": 25, "c": 10},
		}
		a := newAllocator(t, dir)
		seen := map[string]bool{}
		for i := 0; i < 200; i++ {
			code, err := a.Allocate(ctx, "DIV")
			require.NoError(t, err)
			seen[code] = true
		}
		assert.Equal(t, map[string]bool{"DIV1": true, "DIV3": true}, seen)
		assert.Equal(t, "DIV", dir.roles[0])
	})

	t.Run("no candidates", func(t *testing.T) {
		a := newAllocator(t, &fakeDirectory{})
		code, err := a.Allocate(ctx, "DIST")
		assert.Empty(t, code)
		assert.Equal(t, ErrNoCandidatesFound, errors.Cause(err))
	})

	t.Run("directory failure", func(t *testing.T) {
		logger := &recordingLogger{}
		a := newAllocator(t, &fakeDirectory{listErr: fmt.Errorf("connection refused")}, WithLogger(logger))
		_, err := a.Allocate(ctx, "DIV")
		assert.Equal(t, ErrNoCandidatesFound, errors.Cause(err))
		assert.Contains(t, err.Error(), "connection refused")
		assert.Equal(t, []string{"listing referral candidates"}, logger.errors)
	})

	t.Run("fallback limit exhausted", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{
				{ID: "a", RoleCodes: []string{"DIV1"}},
				{ID: "b", RoleCodes: []string{"DIV2"}},
			},
			counts: map[string]int{"a": 25, "b": 25},
		}
		_, err := newAllocator(t, dir).Allocate(ctx, "DIV")
		assert.Equal(t, ErrCapacityExhausted, errors.Cause(err))
	})

	t.Run("fallback limit leaves room", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{{ID: "a", RoleCodes: []string{"DIV1"}}},
			counts:  map[string]int{"a": 24},
		}
		code, err := newAllocator(t, dir).Allocate(ctx, "DIV")
		require.NoError(t, err)
		assert.Equal(t, "DIV1", code)
	})

	t.Run("failed count excludes candidate", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{
				{ID: "a", Limit: 25, RoleCodes: []string{"DIV1"}},
				{ID: "b", Limit: 25, RoleCodes: []string{"DIV2"}},
			},
			counts:    map[string]int{"a": 1},
			countErrs: map[string]error{"b": fmt.Errorf("500 internal server error")},
		}
		a := newAllocator(t, dir)
		for i := 0; i < 50; i++ {
			code, err := a.Allocate(ctx, "DIV")
			require.NoError(t, err)
			assert.Equal(t, "DIV1", code)
		}
	})

	t.Run("timed out count excludes candidate", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{
				{ID: "a", Limit: 25, RoleCodes: []string{"DIV1"}},
				{ID: "b", Limit: 25, RoleCodes: []string{"DIV2"}},
			},
			counts: map[string]int{"a": 1},
			block:  map[string]bool{"b": true},
		}
		a := newAllocator(t, dir, WithCountTimeout(20*time.Millisecond))
		code, err := a.Allocate(ctx, "DIV")
		require.NoError(t, err)
		assert.Equal(t, "DIV1", code)
	})

	t.Run("all counts failing", func(t *testing.T) {
		logger := &recordingLogger{}
		dir := &fakeDirectory{
			members: []Candidate{
				{ID: "a", RoleCodes: []string{"DIV1"}},
				{ID: "b", RoleCodes: []string{"DIV2"}},
			},
			countErrs: map[string]error{"a": fmt.Errorf("down"), "b": fmt.Errorf("down")},
		}
		_, err := newAllocator(t, dir, WithLogger(logger)).Allocate(ctx, "DIV")
		assert.Equal(t, ErrCapacityExhausted, errors.Cause(err))
		require.Len(t, logger.warns, 1)
		assert.Contains(t, logger.warns[0], "all 2 count lookups failed")
	})

	t.Run("chosen candidate without codes", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{{ID: "a", Limit: 25}},
			counts:  map[string]int{"a": 0},
		}
		code, err := newAllocator(t, dir).Allocate(ctx, "DIV")
		assert.Empty(t, code)
		assert.Equal(t, ErrDataIntegrity, errors.Cause(err))
	})

	t.Run("returns the latest code", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{{ID: "a", RoleCodes: []string{"MEM1", "DIV2", "DIST3"}}},
			counts:  map[string]int{"a": 0},
		}
		code, err := newAllocator(t, dir).Allocate(ctx, "DIST")
		require.NoError(t, err)
		assert.Equal(t, "DIST3", code)
	})

	t.Run("explicit limit overrides fallback", func(t *testing.T) {
		dir := &fakeDirectory{
			members: []Candidate{
				{ID: "a", Limit: 30, RoleCodes: []string{"DIV1"}},
				{ID: "b", Limit: 2, RoleCodes: []string{"DIV2"}},
			},
			counts: map[string]int{"a": 26, "b": 2},
		}
		code, err := newAllocator(t, dir).Allocate(ctx, "DIV")
		require.NoError(t, err)
		assert.Equal(t, "DIV1", code)
	})
}

func TestAllocator_Allocate_MaxConcurrency(t *testing.T) {
	dir := &fakeDirectory{counts: map[string]int{}, delay: 2 * time.Millisecond}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("m%d", i)
		dir.members = append(dir.members, Candidate{ID: id, RoleCodes: []string{"DIV" + id}})
	}
	a := newAllocator(t, dir, WithMaxConcurrency(3))
	_, err := a.Allocate(context.Background(), "DIV")
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&dir.maxInFlight), int32(3))
}

func TestAllocator_Allocate_PicksUniformly(t *testing.T) {
	const (
		k     = 4
		draws = 8000
	)
	dir := &fakeDirectory{counts: map[string]int{}}
	for i := 0; i < k; i++ {
		id := fmt.Sprintf("m%d", i)
		dir.members = append(dir.members, Candidate{ID: id, Limit: 25, RoleCodes: []string{id}})
	}
	a := newAllocator(t, dir, WithMaxConcurrency(k))

	freq := make(map[string]int)
	for i := 0; i < draws; i++ {
		code, err := a.Allocate(context.Background(), "DIV")
		require.NoError(t, err)
		freq[code]++
	}
	require.Len(t, freq, k)
	want := float64(draws) / k
	for code, n := range freq {
		assert.InDelta(t, want, float64(n), want*0.15, "candidate %s", code)
	}
}

func TestAllocator_Allocate_UsesDraw(t *testing.T) {
	dir := &fakeDirectory{
		members: []Candidate{
			{ID: "a", RoleCodes: []string{"DIV1"}},
			{ID: "b", RoleCodes: []string{"DIV2"}},
			{ID: "c", RoleCodes: []string{"DIV3"}},
		},
		counts: map[string]int{"b": 30},
	}
	var gotN int
	a := newAllocator(t, dir, WithIntN(func(n int) int {
		gotN = n
		return n - 1
	}))
	code, err := a.Allocate(context.Background(), "DIV")
	require.NoError(t, err)
	assert.Equal(t, 2, gotN)
	assert.Equal(t, "DIV3", code)
}
