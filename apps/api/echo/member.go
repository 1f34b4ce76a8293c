package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
)

var errMemberNotFoundInCtx = errors.New("member object not found in echo.Context")

type memberApi struct {
	auth     *Auth
	svc      *member.Service
	validate *validator.Validate
}

func registerMemberAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	auth *Auth,
	svc *member.Service,
	validate *validator.Validate,
) {
	api := memberApi{
		auth:     auth,
		svc:      svc,
		validate: validate,
	}

	ug := g.Group("/users")

	// un-authed endpoints
	ug.POST("/signup", api.signup)
	ug.POST("/login", api.login)

	// authed endpoints
	ag := ug.Group("", jwt)
	ag.POST("/token-refresh", api.refreshToken)
	ag.GET("/getAllUsers", api.queryByRole, adminMiddleware())
	ag.GET("/tiers", api.queryTiers)
	ag.GET("/referral-count/:id", api.referralCount, ctxMemberOrAdminMiddleware(svc))

	// detail endpoints
	dg := ag.Group("/:id", ctxMemberOrAdminMiddleware(svc))
	dg.GET("", api.retrieve)
	dg.PUT("/activate", api.activate)
	dg.PUT("/upgrade-role", api.upgradeRole, adminMiddleware())
}

// Handlers

func (api *memberApi) signup(ctx echo.Context) error {
	var data member.NewMember
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMember")
	}
	if err := data.Validate(api.validate, api.svc); err != nil {
		return err
	}

	m, err := api.svc.Signup(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "signing member up")
	}
	return ctx.JSON(http.StatusCreated, m)
}

func (api *memberApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	claims, err := api.auth.authenticate(ctx.Request().Context(), data.Email, data.Password, api.svc)
	if err != nil {
		return err
	}
	token, err := api.auth.GenerateToken(claims)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *memberApi) refreshToken(ctx echo.Context) error {
	token, err := api.auth.refreshToken(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

func (api *memberApi) queryByRole(ctx echo.Context) error {
	var page member.Page
	if err := ctx.Bind(&page); err != nil {
		page = member.Page{} // fall back to the first page
	}
	role := core.CleanTier(ctx.QueryParam("role"))
	if role == "" {
		return core.NewFieldValidationError("role", errors.New("this field is required"))
	}

	listing, err := api.svc.QueryByRole(ctx.Request().Context(), role, page)
	if err != nil {
		return errors.Wrap(err, "querying members")
	}
	return ctx.JSON(http.StatusOK, DataResponse{Data: listing})
}

func (api *memberApi) queryTiers(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, member.Tiers)
}

func (api *memberApi) referralCount(ctx echo.Context) error {
	m, ok := ctx.Get(contextObjectKey).(member.Member)
	if !ok {
		return errors.Wrap(errMemberNotFoundInCtx, "retrieving object from context")
	}

	count, err := api.svc.ReferralCount(ctx.Request().Context(), m.ID)
	if err != nil {
		return errors.Wrap(err, "counting referrals")
	}
	return ctx.JSON(http.StatusOK, DataResponse{Data: CountResponse{Count: count}})
}

func (api *memberApi) retrieve(ctx echo.Context) error {
	m, ok := ctx.Get(contextObjectKey).(member.Member)
	if !ok {
		return errors.Wrap(errMemberNotFoundInCtx, "retrieving object from context")
	}
	return ctx.JSON(http.StatusOK, m)
}

func (api *memberApi) activate(ctx echo.Context) error {
	m, ok := ctx.Get(contextObjectKey).(member.Member)
	if !ok {
		return errors.Wrap(errMemberNotFoundInCtx, "retrieving object from context")
	}

	m, err := api.svc.Activate(ctx.Request().Context(), m.ID)
	if err != nil {
		return errors.Wrap(err, "activating member")
	}
	return ctx.JSON(http.StatusOK, m)
}

func (api *memberApi) upgradeRole(ctx echo.Context) error {
	m, ok := ctx.Get(contextObjectKey).(member.Member)
	if !ok {
		return errors.Wrap(errMemberNotFoundInCtx, "retrieving object from context")
	}

	var data member.UpgradeRole
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpgradeRole")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	m, err := api.svc.UpgradeRole(ctx.Request().Context(), m.ID, data)
	if err != nil {
		return errors.Wrap(err, "upgrading member role")
	}
	return ctx.JSON(http.StatusOK, m)
}
