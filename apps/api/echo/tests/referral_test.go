package tests

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/rmhse/membership/apps/api/echo"
	"github.com/rmhse/membership/core/member"
	"github.com/rmhse/membership/core/referral"
	"github.com/rmhse/membership/services/directory"
	"github.com/rmhse/membership/tests"
)

func Test_referralApi_allocate(t *testing.T) {
	env := setup(t)

	admin := testutil.CreateMember(t, env.repo, "Admin", "admin@test.cd", testutil.MemberOpts{Role: member.TierAdmin})
	hero := testutil.CreateMember(t, env.repo, "Hero", "hero@test.cd", testutil.MemberOpts{})
	for i := 0; i < 3; i++ {
		testutil.CreateMember(t, env.repo, "Dist", fmt.Sprintf("dist%d@test.cd", i), testutil.MemberOpts{
			Role:    member.TierDistrict,
			RoleIDs: []string{fmt.Sprintf("MEM%d", i), fmt.Sprintf("DIST%d", i)},
		})
	}
	// full: the fallback limit does not apply to an explicit one
	testutil.CreateMember(t, env.repo, "State", "stat@test.cd", testutil.MemberOpts{
		Role:    member.TierState,
		RoleIDs: []string{"STAT1"},
		Limit:   testutil.IntPtr(1),
	})
	testutil.CreateMember(t, env.repo, "Ref", "ref@test.cd", testutil.MemberOpts{ReferredBy: "STAT1"})
	adminToken := env.getToken(t, admin)

	tests := []httpTest{
		{name: "Auth required", path: "/v1/referrers/allocate?role=DIST", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{
			name: "Admin required", path: "/v1/referrers/allocate?role=DIST", token: env.getToken(t, hero),
			wantCode: http.StatusForbidden, wantData: marshallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "invalid role", path: "/v1/referrers/allocate?role=ADMIN", token: adminToken,
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, map[string]string{"role": "role must be a membership tier"}),
		},
		{
			name: "no candidates", path: "/v1/referrers/allocate?role=BM", token: adminToken,
			wantCode: http.StatusNotFound, wantData: marshallObj(t, httpErr{Error: "no referrers available"}),
		},
		{
			name: "capacity exhausted", path: "/v1/referrers/allocate?role=STAT", token: adminToken,
			wantCode: http.StatusConflict, wantData: marshallObj(t, httpErr{Error: "referral capacity exhausted"}),
		},
		{name: "allocated", path: "/v1/referrers/allocate?role=dist", token: adminToken, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet

		t.Run(tt.name, func(t *testing.T) {
			rec := env.serve(tt)
			checkCodeAndData(t, tt, rec)

			if tt.wantCode == http.StatusOK {
				var resp struct {
					Data echoapi.ReferralCodeResponse `json:"data"`
				}
				decode(t, rec, &resp)
				assert.Contains(t, []string{"DIST0", "DIST1", "DIST2"}, resp.Data.ReferralCode)
			}
		})
	}
}

// A remote deployment reads this API as its member directory.
func TestDirectoryClient_overAPI(t *testing.T) {
	env := setup(t)
	srv := httptest.NewServer(env.app)
	defer srv.Close()

	admin := testutil.CreateMember(t, env.repo, "Admin", "admin@test.cd", testutil.MemberOpts{Role: member.TierAdmin})
	for i := 0; i < 5; i++ {
		testutil.CreateMember(t, env.repo, "Div", fmt.Sprintf("div%d@test.cd", i), testutil.MemberOpts{
			Role:    member.TierDivision,
			RoleIDs: []string{fmt.Sprintf("DIV%d", i)},
			Limit:   testutil.IntPtr(1),
		})
	}
	// DIV0 to DIV3 are full
	for i := 0; i < 4; i++ {
		testutil.CreateMember(t, env.repo, "Mem", fmt.Sprintf("mem%d@test.cd", i), testutil.MemberOpts{ReferredBy: fmt.Sprintf("DIV%d", i)})
	}

	client, err := directory.NewClient(srv.URL+"/v1", env.getToken(t, admin), 2, srv.Client())
	require.NoError(t, err)

	candidates, err := client.MembersByRole(context.Background(), member.TierDivision)
	require.NoError(t, err)
	require.Len(t, candidates, 5)
	assert.Equal(t, 1, candidates[0].Limit)

	alloc, err := referral.NewAllocator(client)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		code, err := alloc.Allocate(context.Background(), member.TierDivision)
		require.NoError(t, err)
		assert.Equal(t, "DIV4", code)
	}

	// directory reads are admin only
	client, err = directory.NewClient(srv.URL+"/v1", env.getToken(t, candidatesMember(t, env, candidates[0].ID)), 0, srv.Client())
	require.NoError(t, err)
	_, err = client.MembersByRole(context.Background(), member.TierDivision)
	assert.Error(t, err)
}

func candidatesMember(t *testing.T, env *testEnv, id string) member.Member {
	m, err := env.repo.GetMemberByID(context.Background(), id)
	require.NoError(t, err)
	return m
}
