package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
)

type (
	Deps struct {
		Conf       *core.Config
		Logger     core.Logger
		MemberSvc  *member.Service
		Allocator  member.ReferrerAllocator
		Validate   *validator.Validate
		Translator ut.Translator
	}

	Server struct {
		*http.Server
		app      *echo.Echo
		auth     *Auth
		shutdown chan os.Signal
		errors   chan error
	}
)

// NewServer returns the API server. The server listens to SIGINT and SIGTERM for graceful shutdown.
func NewServer(deps *Deps) *Server {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	s := &Server{
		app:      echo.New(),
		auth:     NewAuth(deps.Conf),
		shutdown: shutdown,
		errors:   make(chan error, 1),
	}
	s.Server = &http.Server{
		Addr:    deps.Conf.Server.Address,
		Handler: s.app,
	}
	s.setup(deps)
	return s
}

func (s *Server) setup(deps *Deps) {
	debug := deps.Conf.Debug

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !deps.Conf.TestMode {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(debug || deps.Conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(deps.Logger, deps.Translator, s.signalShutdown)
	s.app.Debug = debug
	s.app.HideBanner = true

	s.app.GET("/", home)

	v1 := s.app.Group("/v1")
	jwt := s.auth.Middleware()

	registerMemberAPI(v1, jwt, s.auth, deps.MemberSvc, deps.Validate)
	registerReferralAPI(v1, jwt, deps.Allocator)
}

// Start listens and serves. Any error other than a closed server is sent to Errors.
func (s *Server) Start() {
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

func (s *Server) signalShutdown() {
	s.shutdown <- syscall.SIGTERM
}

// Shutdown stops the server gracefully and stops listening to OS signals.
func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.Server.Shutdown(ctx)
}

// Auth exposes the token issuer, e.g. to mint directory tokens.
func (s *Server) Auth() *Auth {
	return s.auth
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to the RMHSE membership API!")
}
