package dig_container

import (
	"log"
	"net/http"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/rmhse/membership/apps/api/echo"
	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
	"github.com/rmhse/membership/core/referral"
	"github.com/rmhse/membership/services/directory"
	emailsvc "github.com/rmhse/membership/services/email"
	logsvc "github.com/rmhse/membership/services/logger"
	"github.com/rmhse/membership/storage/database"
	sqlxrepos "github.com/rmhse/membership/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type serverParams struct {
	dig.In
	Conf       *core.Config
	Logger     core.Logger
	MemberSvc  *member.Service
	Allocator  member.ReferrerAllocator
	Validate   *validator.Validate
	Translator ut.Translator
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) (*sqlx.DB, core.DBExecutor) {
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db.DB, "up"); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal("setting up database", err)
	}
	return db, db
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

// newDirectory reads the remote member directory when one is configured, the local store otherwise.
func newDirectory(conf *core.Config, repo member.Repository, logger core.Logger) (referral.Directory, error) {
	if conf.Referral.DirectoryURL == "" {
		return directory.NewLocal(repo, conf.Referral.DirectoryPageSize), nil
	}
	logger.Info("using remote member directory at " + conf.Referral.DirectoryURL)
	return directory.NewClient(conf.Referral.DirectoryURL, conf.Referral.DirectoryToken, conf.Referral.DirectoryPageSize, http.DefaultClient)
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	member.InitValidators(validate, translator)
	return validate
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(&echoapi.Deps{
		Conf:       p.Conf,
		Logger:     p.Logger,
		MemberSvc:  p.MemberSvc,
		Allocator:  p.Allocator,
		Validate:   p.Validate,
		Translator: p.Translator,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newEmailService))
	must(c.Provide(sqlxrepos.NewMemberRepository, dig.As(new(member.Repository))))
	must(c.Provide(newDirectory))
	must(c.Provide(referral.NewAllocatorFromConfig, dig.As(new(member.ReferrerAllocator))))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(member.NewService))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
