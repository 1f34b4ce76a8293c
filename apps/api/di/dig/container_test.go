package dig_container

import (
	"testing"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
	"github.com/rmhse/membership/services/directory"
	"github.com/rmhse/membership/storage/database/inmem"
)

func TestNew(t *testing.T) {
	c := New()

	err := c.Invoke(func(validate *validator.Validate, translator ut.Translator) {
		err := validate.Struct(member.UpgradeRole{Role: "LOL"})
		require.Error(t, err)
		assert.Equal(t, "invalid tier", err.(validator.ValidationErrors)[0].Translate(translator))
	})
	require.NoError(t, err)
}

func Test_newDirectory(t *testing.T) {
	repo := inmemdb.NewMemberRepository(inmemdb.Open())
	conf := &core.Config{}

	dir, err := newDirectory(conf, repo, core.NopLogger{})
	require.NoError(t, err)
	assert.IsType(t, &directory.Local{}, dir)

	conf.Referral.DirectoryURL = "http://directory.test/v1"
	conf.Referral.DirectoryToken = "token"
	dir, err = newDirectory(conf, repo, core.NopLogger{})
	require.NoError(t, err)
	assert.IsType(t, &directory.Client{}, dir)
}
