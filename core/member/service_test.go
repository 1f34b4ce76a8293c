package member_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
	"github.com/rmhse/membership/storage/database/inmem"
	"github.com/rmhse/membership/tests"
)

type stubAllocator struct {
	code  string
	err   error
	roles []string
}

func (a *stubAllocator) Allocate(_ context.Context, role string) (string, error) {
	a.roles = append(a.roles, role)
	return a.code, a.err
}

type fixture struct {
	repo      member.Repository
	svc       *member.Service
	allocator *stubAllocator
	mail      *testutil.MailRecorder
	validate  *validator.Validate
}

func setup(t *testing.T) fixture {
	t.Helper()
	core.ParseEmailTemplates(core.NopLogger{}, true)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	member.InitValidators(validate, translator)

	repo := inmemdb.NewMemberRepository(inmemdb.Open())
	allocator := &stubAllocator{code: "DIV1610000000000"}
	mail := &testutil.MailRecorder{}
	conf := &core.Config{Referral: core.ReferralConfig{ActivationRole: "div"}}
	return fixture{
		repo:      repo,
		svc:       member.NewService(repo, allocator, mail, conf),
		allocator: allocator,
		mail:      mail,
		validate:  validate,
	}
}

func TestNewRoleCode(t *testing.T) {
	now := time.Date(2021, 1, 7, 6, 40, 0, 0, time.UTC)
	code, err := member.NewRoleCode(member.TierDistrict, now)
	require.NoError(t, err)
	assert.Equal(t, "DIST1610001600000", code)

	_, err = member.NewRoleCode(member.TierAdmin, now)
	assert.Error(t, err)
	_, err = member.NewRoleCode("LOL", now)
	assert.Error(t, err)
}

func TestNewMember_Validate(t *testing.T) {
	f := setup(t)
	testutil.CreateMember(t, f.repo, "Taken", "taken@test.cd", testutil.MemberOpts{})

	valid := member.NewMember{
		Name:            " Jane Doe ",
		Email:           " Jane@Test.CD ",
		PhoneNumber:     "0812345678",
		Password:        "Sup3r$ecret",
		PasswordConfirm: "Sup3r$ecret",
	}
	tests := []struct {
		name      string
		mutate    func(nm *member.NewMember)
		wantField string
	}{
		{name: "valid"},
		{name: "blank name", mutate: func(nm *member.NewMember) { nm.Name = "   " }, wantField: "name"},
		{name: "bad email", mutate: func(nm *member.NewMember) { nm.Email = "lol" }, wantField: "email"},
		{name: "bad phone", mutate: func(nm *member.NewMember) { nm.PhoneNumber = "12ab" }, wantField: "phoneNumber"},
		{name: "passwords differ", mutate: func(nm *member.NewMember) { nm.PasswordConfirm = "nope" }, wantField: "passwordConfirm"},
		{name: "short password", mutate: func(nm *member.NewMember) { nm.Password, nm.PasswordConfirm = "Ab1$", "Ab1$" }, wantField: "password"},
		{name: "numeric password", mutate: func(nm *member.NewMember) { nm.Password, nm.PasswordConfirm = "1234567890", "1234567890" }, wantField: "password"},
		{name: "simple password", mutate: func(nm *member.NewMember) { nm.Password, nm.PasswordConfirm = "abcdefghij", "abcdefghij" }, wantField: "password"},
		{name: "password like name", mutate: func(nm *member.NewMember) { nm.Password, nm.PasswordConfirm = "Jane-Doe1", "Jane-Doe1" }, wantField: "password"},
		{name: "email taken", mutate: func(nm *member.NewMember) { nm.Email = "TAKEN@test.cd" }, wantField: "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nm := valid
			if tt.mutate != nil {
				tt.mutate(&nm)
			}
			err := nm.Validate(f.validate, f.svc)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, "Jane Doe", nm.Name)
				assert.Equal(t, "jane@test.cd", nm.Email)
				return
			}
			require.Error(t, err)
			switch e := err.(type) {
			case validator.ValidationErrors:
				fields := make([]string, 0, len(e))
				for _, fe := range e {
					fields = append(fields, fe.Field())
				}
				assert.Contains(t, fields, tt.wantField)
			case *core.ValidationError:
				require.Len(t, e.Fields, 1)
				assert.Equal(t, tt.wantField, e.Fields[0].Field)
			default:
				t.Fatalf("unexpected error type %T: %v", err, err)
			}
		})
	}
}

func TestService_SignupAndAuthenticate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m, err := f.svc.Signup(ctx, member.NewMember{Name: "Jane", Email: "jane@test.cd", Password: "Sup3r$ecret"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, member.TierMember, m.Role)
	assert.Equal(t, member.StatusPending, m.Status)
	assert.Empty(t, m.RoleIDs)

	_, err = f.svc.Authenticate(ctx, "jane@test.cd", "wrong")
	assert.Equal(t, member.ErrInvalidCredentials, err)
	_, err = f.svc.Authenticate(ctx, "nobody@test.cd", "Sup3r$ecret")
	assert.Equal(t, member.ErrInvalidCredentials, err)

	authed, err := f.svc.Authenticate(ctx, " JANE@test.cd", "Sup3r$ecret")
	require.NoError(t, err)
	assert.Equal(t, m.ID, authed.ID)
	assert.False(t, authed.LastLogin.IsZero())
}

func TestService_QueryByRole(t *testing.T) {
	f := setup(t)
	base := time.Now().Add(-time.Hour)
	for i, email := range []string{"a@test.cd", "b@test.cd", "c@test.cd"} {
		testutil.CreateMember(t, f.repo, "Div", email, testutil.MemberOpts{
			Role:      member.TierDivision,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	testutil.CreateMember(t, f.repo, "Mem", "m@test.cd", testutil.MemberOpts{})

	listing, err := f.svc.QueryByRole(context.Background(), "div", member.Page{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, listing.Total)
	assert.Equal(t, 2, listing.TotalPages)
	assert.Equal(t, 2, listing.CurrentPage)
	require.Len(t, listing.Members, 1)
	assert.Equal(t, "c@test.cd", listing.Members[0].Email)

	listing, err = f.svc.QueryByRole(context.Background(), member.TierTrustee, member.Page{})
	require.NoError(t, err)
	assert.Equal(t, 0, listing.Total)
	assert.Equal(t, 1, listing.TotalPages)
	assert.NotNil(t, listing.Members)
}

func TestService_ReferralCount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	referrer := testutil.CreateMember(t, f.repo, "Div", "div@test.cd", testutil.MemberOpts{
		Role:    member.TierDivision,
		RoleIDs: []string{"MEM1", "DIV2"},
	})
	testutil.CreateMember(t, f.repo, "A", "a@test.cd", testutil.MemberOpts{ReferredBy: "MEM1"})
	testutil.CreateMember(t, f.repo, "B", "b@test.cd", testutil.MemberOpts{ReferredBy: "DIV2"})
	testutil.CreateMember(t, f.repo, "C", "c@test.cd", testutil.MemberOpts{ReferredBy: "DIV9"})
	newbie := testutil.CreateMember(t, f.repo, "D", "d@test.cd", testutil.MemberOpts{Status: member.StatusPending})

	count, err := f.svc.ReferralCount(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = f.svc.ReferralCount(ctx, newbie.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = f.svc.ReferralCount(ctx, "missing")
	assert.Equal(t, member.ErrNotFound, errors.Cause(err))
}

func TestService_Activate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Date(2021, 1, 7, 6, 40, 0, 0, time.UTC)
	member.NowFunc = func() time.Time { return now }
	defer func() { member.NowFunc = time.Now }()

	pending := testutil.CreateMember(t, f.repo, "Jane", "jane@test.cd", testutil.MemberOpts{Status: member.StatusPending})

	m, err := f.svc.Activate(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, member.StatusActive, m.Status)
	assert.Equal(t, "DIV1610000000000", m.ReferredBy)
	assert.Equal(t, []string{"MEM1610001600000"}, m.RoleIDs)
	assert.Equal(t, []string{member.TierDivision}, f.allocator.roles)

	stored, err := f.svc.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ReferredBy, stored.ReferredBy)

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "jane@test.cd", sent[0].To[0].Address)
	assert.Contains(t, sent[0].TextContent, "MEM1610001600000")
	assert.Contains(t, sent[0].TextContent, "DIV1610000000000")

	t.Run("already active", func(t *testing.T) {
		_, err := f.svc.Activate(ctx, pending.ID)
		var verr *core.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, member.ErrAlreadyActive, verr.Err)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := f.svc.Activate(ctx, "missing")
		assert.Equal(t, member.ErrNotFound, errors.Cause(err))
	})

	t.Run("allocation failure leaves member pending", func(t *testing.T) {
		other := testutil.CreateMember(t, f.repo, "John", "john@test.cd", testutil.MemberOpts{Status: member.StatusPending})
		allocErr := errors.New("referral capacity exhausted")
		f.allocator.err = allocErr
		defer func() { f.allocator.err = nil }()

		_, err := f.svc.Activate(ctx, other.ID)
		assert.Equal(t, allocErr, errors.Cause(err))
		stored, err := f.svc.GetByID(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, member.StatusPending, stored.Status)
		assert.Empty(t, stored.ReferredBy)
	})
}

func TestService_UpgradeRole(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Date(2021, 1, 7, 6, 40, 0, 0, time.UTC)
	member.NowFunc = func() time.Time { return now }
	defer func() { member.NowFunc = time.Now }()

	m := testutil.CreateMember(t, f.repo, "Jane", "jane@test.cd", testutil.MemberOpts{
		Role:    member.TierDivision,
		RoleIDs: []string{"MEM1", "DIV2"},
	})
	pending := testutil.CreateMember(t, f.repo, "John", "john@test.cd", testutil.MemberOpts{Status: member.StatusPending})

	tests := []struct {
		name    string
		id      string
		role    string
		wantErr error
	}{
		{name: "not found", id: "missing", role: member.TierState, wantErr: member.ErrNotFound},
		{name: "not active", id: pending.ID, role: member.TierDivision, wantErr: member.ErrNotActive},
		{name: "same tier", id: m.ID, role: member.TierDivision, wantErr: member.ErrNotAPromotion},
		{name: "demotion", id: m.ID, role: member.TierMember, wantErr: member.ErrNotAPromotion},
		{name: "admin is off the ladder", id: m.ID, role: member.TierAdmin, wantErr: member.ErrNotAPromotion},
		{name: "promotion", id: m.ID, role: member.TierState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.UpgradeRole(ctx, tt.id, member.UpgradeRole{Role: tt.role})
			if tt.wantErr != nil {
				cause := errors.Cause(err)
				if verr, ok := cause.(*core.ValidationError); ok {
					cause = verr.Err
				}
				assert.Equal(t, tt.wantErr, cause)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, member.TierState, got.Role)
			assert.Equal(t, []string{"MEM1", "DIV2", "STAT1610001600000"}, got.RoleIDs)
			code, _ := got.LatestRoleID()
			assert.Equal(t, "STAT1610001600000", code)
		})
	}
}

func TestUpgradeRole_Validate(t *testing.T) {
	f := setup(t)
	ur := member.UpgradeRole{Role: " dist "}
	require.NoError(t, ur.Validate(f.validate))
	assert.Equal(t, member.TierDistrict, ur.Role)

	ur = member.UpgradeRole{Role: "boss"}
	assert.Error(t, ur.Validate(f.validate))
}
