package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	echoapi "github.com/rmhse/membership/apps/api/echo"
	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
	"github.com/rmhse/membership/core/referral"
	"github.com/rmhse/membership/services/directory"
	"github.com/rmhse/membership/storage/database/inmem"
	"github.com/rmhse/membership/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type testEnv struct {
	app   *echoapi.Server
	conf  *core.Config
	repo  member.Repository
	mails *testutil.MailRecorder
}

func testConfig() *core.Config {
	return &core.Config{
		AppName:   "RMHSE",
		Env:       "TEST",
		TestMode:  true,
		SecretKey: "test-secret",
		Server: core.ServerConfig{
			JWTExpirationDelta:        time.Hour,
			JWTRefreshExpirationDelta: 4 * time.Hour,
		},
		Referral: core.ReferralConfig{
			FallbackLimit:  referral.DefaultFallbackLimit,
			CountTimeout:   time.Second,
			ActivationRole: member.TierDivision,
		},
	}
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	conf := testConfig()
	core.ParseEmailTemplates(core.NopLogger{}, true)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	member.InitValidators(validate, translator)

	// set up DB & repos
	repo := inmemdb.NewMemberRepository(inmemdb.Open())

	// set up services
	mails := new(testutil.MailRecorder)
	allocator, err := referral.NewAllocatorFromConfig(directory.NewLocal(repo, 0), conf, core.NopLogger{})
	if err != nil {
		t.Fatalf("NewAllocatorFromConfig() failed: %v", err)
	}
	svc := member.NewService(repo, allocator, mails, conf)

	// set up server
	app := echoapi.NewServer(&echoapi.Deps{
		Conf:       conf,
		Logger:     core.NopLogger{},
		MemberSvc:  svc,
		Allocator:  allocator,
		Validate:   validate,
		Translator: translator,
	})
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	return &testEnv{app: app, conf: conf, repo: repo, mails: mails}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func (env *testEnv) serve(tt httpTest) *httptest.ResponseRecorder {
	req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
	env.app.ServeHTTP(rec, req)
	return rec
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func (env *testEnv) getToken(t *testing.T, m member.Member) string {
	token, err := env.app.Auth().MemberToken(m)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, tt.wantCode, rec.Code)
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("json.Unmarshal(%s) failed: %v", rec.Body.String(), err)
	}
}
