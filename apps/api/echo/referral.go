package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
)

type referralApi struct {
	allocator member.ReferrerAllocator
}

func registerReferralAPI(g *echo.Group, jwt echo.MiddlewareFunc, allocator member.ReferrerAllocator) {
	api := referralApi{allocator: allocator}

	rg := g.Group("/referrers", jwt, adminMiddleware())
	rg.GET("/allocate", api.allocate)
}

// allocate draws a referral code from the members holding the requested tier.
func (api *referralApi) allocate(ctx echo.Context) error {
	var query AllocateQuery
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding to AllocateQuery")
	}
	query.Clean()
	if !member.IsLadderTier(query.Role) {
		return core.NewFieldValidationError("role", errors.New("role must be a membership tier"))
	}

	code, err := api.allocator.Allocate(ctx.Request().Context(), query.Role)
	if err != nil {
		return errors.Wrap(err, "allocating referrer")
	}
	return ctx.JSON(http.StatusOK, DataResponse{Data: ReferralCodeResponse{ReferralCode: code}})
}
