package echoapi

import (
	"github.com/rmhse/membership/core"
)

type (
	LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		Token string `json:"token"`
	}

	// DataResponse wraps payloads the way the member directory serves them.
	DataResponse struct {
		Data interface{} `json:"data"`
	}

	CountResponse struct {
		Count int `json:"count"`
	}

	ReferralCodeResponse struct {
		ReferralCode string `json:"referralCode"`
	}

	AllocateQuery struct {
		Role string `query:"role"`
	}
)

func (lr *LoginRequest) Validate(validate core.StructValidator) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	return validate.Struct(lr)
}

func (aq *AllocateQuery) Clean() {
	aq.Role = core.CleanTier(aq.Role)
}
