package main

import (
	"log"
	"os"

	echoapi "github.com/rmhse/membership/apps/api/echo"
	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/referral"
	"github.com/rmhse/membership/services/directory"
	logsvc "github.com/rmhse/membership/services/logger"
	"github.com/rmhse/membership/storage/database"
	sqlxrepos "github.com/rmhse/membership/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	conf := core.NewConfig()

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)

	repo := sqlxrepos.NewMemberRepository(db)
	allocator, err := referral.NewAllocatorFromConfig(
		directory.NewLocal(repo, conf.Referral.DirectoryPageSize),
		conf,
		logsvc.NewRollbarLogger(logger, conf),
	)
	errAndDie(err)

	// start CLI
	cli := commandLine{
		db:        db.DB,
		repo:      repo,
		allocator: allocator,
		auth:      echoapi.NewAuth(conf),
		out:       os.Stdout,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
