package member

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rmhse/membership/core"
)

// Tiers
const (
	// Ladder, from entry level up
	TierMember   = "MEM"
	TierDivision = "DIV"
	TierDistrict = "DIST"
	TierState    = "STAT"
	TierTrustee  = "BM"

	// Back-office
	TierAdmin = "ADMIN"
)

// Statuses
const (
	StatusPending = "pending" // signed up, activation fee not settled yet
	StatusActive  = "active"
)

var (
	LadderTiers = []string{TierMember, TierDivision, TierDistrict, TierState, TierTrustee}
	AllTiers    = getAllTiers()

	tierPriorities = map[string]int{
		// Back-office: 30
		TierAdmin: 30,

		// Ladder: 5 - 1
		TierTrustee:  5,
		TierState:    4,
		TierDistrict: 3,
		TierDivision: 2,
		TierMember:   1,
	}

	Tiers = []Tier{
		{Name: "Member", Value: TierMember},
		{Name: "Division In-charge", Value: TierDivision},
		{Name: "District In-charge", Value: TierDistrict},
		{Name: "State In-charge", Value: TierState},
		{Name: "Trustee", Value: TierTrustee},
		{Name: "Admin", Value: TierAdmin},
	}
)

func getAllTiers() []string {
	all := make([]string, 0, len(LadderTiers)+1)
	all = append(all, LadderTiers...)
	all = append(all, TierAdmin)
	return all
}

func TierPriority(tier string) int {
	return tierPriorities[tier]
}

// IsLadderTier reports whether tier is one of the promotable membership tiers.
func IsLadderTier(tier string) bool {
	for _, t := range LadderTiers {
		if t == tier {
			return true
		}
	}
	return false
}

type Tier struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Member is a directory record. JSON names follow the directory wire format.
type Member struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Role        string `json:"role"`
	// RoleIDs are the tier codes issued to the member, oldest first.
	RoleIDs      []string  `json:"roleId"`
	Limit        *int      `json:"limit,omitempty"`
	ReferredBy   string    `json:"refferedBy,omitempty"`
	Status       string    `json:"status"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdOn"` // UTC
	UpdatedAt    time.Time `json:"updatedOn"` // UTC
	LastLogin    time.Time `json:"-"`         // UTC
}

func (m *Member) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	m.PasswordHash = hash
	return nil
}

func (m *Member) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(m.PasswordHash, []byte(pwd))
}

func (m *Member) IsAdmin() bool {
	return m.Role == TierAdmin
}

func (m *Member) IsActive() bool {
	return m.Status == StatusActive
}

// LatestRoleID returns the most recently issued tier code.
func (m *Member) LatestRoleID() (string, bool) {
	if len(m.RoleIDs) == 0 {
		return "", false
	}
	return m.RoleIDs[len(m.RoleIDs)-1], true
}

// NewMember contains information needed to sign up a new Member.
type NewMember struct {
	Name            string `json:"name" validate:"required,notblank"`
	Email           string `json:"email" validate:"required,email"`
	PhoneNumber     string `json:"phoneNumber" validate:"omitempty,numeric,min=10,max=15"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required,eqfield=Password"`
}

func (nm *NewMember) Validate(validate core.StructValidator, svc *Service) error {
	nm.Name = core.CleanString(nm.Name)
	nm.Email = core.CleanString(nm.Email, true /* lower */)
	nm.PhoneNumber = core.CleanString(nm.PhoneNumber)

	if err := validate.Struct(nm); err != nil {
		return err
	}
	return svc.checkUniqueness(nm.Email)
}

// UpgradeRole defines the tier a Member is promoted to.
type UpgradeRole struct {
	Role string `json:"role" validate:"required,tier"`
}

func (ur *UpgradeRole) Validate(validate core.StructValidator) error {
	ur.Role = core.CleanTier(ur.Role)
	return validate.Struct(ur)
}

const (
	defaultPageSize = 10
	maxPageSize     = 1000
)

// Page selects a window of a listing, pages start at 1.
type Page struct {
	Page  int `query:"page"`
	Limit int `query:"limit"`
}

func (p *Page) Clean() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
}

func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Listing is one page of Members along with the pagination state.
type Listing struct {
	Members     []Member `json:"users"`
	CurrentPage int      `json:"currentPage"`
	TotalPages  int      `json:"totalPages"`
	Total       int      `json:"totalUsers"`
}
