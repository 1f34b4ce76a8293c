package member

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rmhse/membership/core"
)

var (
	NowFunc = time.Now // mockable

	// errors
	ErrNotFound           = errors.New("member not found")
	ErrEmailExists        = errors.New("a member with this email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAlreadyActive      = errors.New("member is already active")
	ErrNotActive          = errors.New("member is not active")
	ErrNotAPromotion      = errors.New("a member can only be promoted up the tier ladder")
)

type (
	Repository interface {
		CheckEmailUniqueness(ctx context.Context, email string, excluded ...Member) error
		CreateMember(ctx context.Context, m Member) (Member, error)
		GetMemberByID(ctx context.Context, id string) (Member, error)
		GetMemberByEmail(ctx context.Context, email string) (Member, error)
		// QueryMembersByRole returns a window of the members holding role, ordered by creation, and their total.
		QueryMembersByRole(ctx context.Context, role string, offset, limit int) ([]Member, int, error)
		// CountReferrals counts the members referred by any of codes.
		CountReferrals(ctx context.Context, codes []string) (int, error)
		UpdateMember(ctx context.Context, m Member) (Member, error)
	}

	// ReferrerAllocator picks the referral code a new member is attributed to.
	ReferrerAllocator interface {
		Allocate(ctx context.Context, role string) (string, error)
	}

	Service struct {
		repo           Repository
		allocator      ReferrerAllocator
		mailSvc        core.EmailService
		activationRole string
	}
)

func NewService(repo Repository, allocator ReferrerAllocator, mailSvc core.EmailService, conf *core.Config) *Service {
	role := core.CleanTier(conf.Referral.ActivationRole)
	if role == "" {
		role = TierDivision
	}
	return &Service{
		repo:           repo,
		allocator:      allocator,
		mailSvc:        mailSvc,
		activationRole: role,
	}
}

func (svc *Service) checkUniqueness(email string, excluded ...Member) error {
	if err := svc.repo.CheckEmailUniqueness(context.Background(), email, excluded...); err != nil {
		if errors.Cause(err) == ErrEmailExists {
			return core.NewFieldValidationError("email", err)
		}
		return err
	}
	return nil
}

// Signup registers a pending entry-level Member. No code is issued until activation.
func (svc *Service) Signup(ctx context.Context, nm NewMember) (Member, error) {
	now := NowFunc().UTC()
	m := Member{
		ID:          uuid.New().String(),
		Name:        nm.Name,
		Email:       nm.Email,
		PhoneNumber: nm.PhoneNumber,
		Role:        TierMember,
		RoleIDs:     []string{},
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.SetPassword(nm.Password); err != nil {
		return Member{}, errors.Wrap(err, "setting password")
	}
	return svc.repo.CreateMember(ctx, m)
}

func (svc *Service) GetByID(ctx context.Context, id string) (Member, error) {
	return svc.repo.GetMemberByID(ctx, id)
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (Member, error) {
	return svc.repo.GetMemberByEmail(ctx, core.CleanString(email, true /* lower */))
}

// Authenticate checks the credentials and records the login.
func (svc *Service) Authenticate(ctx context.Context, email, pwd string) (Member, error) {
	m, err := svc.GetByEmail(ctx, email)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return Member{}, ErrInvalidCredentials
		}
		return Member{}, errors.Wrap(err, "finding member by email")
	}
	if err = m.CheckPassword(pwd); err != nil {
		return Member{}, ErrInvalidCredentials
	}
	m.LastLogin = NowFunc().UTC()
	return svc.repo.UpdateMember(ctx, m)
}

// QueryByRole lists one page of the members holding role.
func (svc *Service) QueryByRole(ctx context.Context, role string, page Page) (Listing, error) {
	page.Clean()
	members, total, err := svc.repo.QueryMembersByRole(ctx, core.CleanTier(role), page.Offset(), page.Limit)
	if err != nil {
		return Listing{}, errors.Wrap(err, "querying members by role")
	}
	if members == nil {
		members = []Member{}
	}
	totalPages := (total + page.Limit - 1) / page.Limit
	if totalPages < 1 {
		totalPages = 1
	}
	return Listing{
		Members:     members,
		CurrentPage: page.Page,
		TotalPages:  totalPages,
		Total:       total,
	}, nil
}

// ReferralCount returns how many members are attributed to any code issued to the member.
func (svc *Service) ReferralCount(ctx context.Context, id string) (int, error) {
	m, err := svc.repo.GetMemberByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(m.RoleIDs) == 0 {
		return 0, nil
	}
	return svc.repo.CountReferrals(ctx, m.RoleIDs)
}

// Activate turns a pending Member into an active one once the activation fee is settled:
// a referrer is allocated from the activation tier and the member's first code is issued.
func (svc *Service) Activate(ctx context.Context, id string) (Member, error) {
	m, err := svc.repo.GetMemberByID(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if m.IsActive() {
		return Member{}, core.NewValidationError(ErrAlreadyActive)
	}

	referrer, err := svc.allocator.Allocate(ctx, svc.activationRole)
	if err != nil {
		return Member{}, errors.Wrap(err, "allocating referrer")
	}

	now := NowFunc().UTC()
	if len(m.RoleIDs) == 0 {
		code, err := NewRoleCode(m.Role, now)
		if err != nil {
			return Member{}, errors.Wrap(err, "issuing role code")
		}
		m.RoleIDs = append(m.RoleIDs, code)
	}
	m.ReferredBy = referrer
	m.Status = StatusActive
	m.UpdatedAt = now

	if m, err = svc.repo.UpdateMember(ctx, m); err != nil {
		return Member{}, errors.Wrap(err, "updating member")
	}
	svc.sendActivationMail(m)
	return m, nil
}

// UpgradeRole promotes an active Member up the ladder and issues a code for the new tier.
func (svc *Service) UpgradeRole(ctx context.Context, id string, ur UpgradeRole) (Member, error) {
	m, err := svc.repo.GetMemberByID(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if !m.IsActive() {
		return Member{}, core.NewValidationError(ErrNotActive)
	}
	if !IsLadderTier(ur.Role) || TierPriority(ur.Role) <= TierPriority(m.Role) {
		return Member{}, core.NewFieldValidationError("role", ErrNotAPromotion)
	}

	now := NowFunc().UTC()
	code, err := NewRoleCode(ur.Role, now)
	if err != nil {
		return Member{}, errors.Wrap(err, "issuing role code")
	}
	m.Role = ur.Role
	m.RoleIDs = append(m.RoleIDs, code)
	m.UpdatedAt = now
	return svc.repo.UpdateMember(ctx, m)
}

func (svc *Service) sendActivationMail(m Member) {
	code, _ := m.LatestRoleID()
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: m.Name, Address: m.Email}},
		Subject:      "Your membership is active",
		TemplateName: "member_activated",
		TemplateData: map[string]interface{}{
			"Name":       m.Name,
			"RoleCode":   code,
			"ReferredBy": m.ReferredBy,
		},
	}
	svc.mailSvc.SendMessages(msg)
}

// NewRoleCode issues a tier code: the tier followed by the issue time in unix milliseconds.
func NewRoleCode(tier string, now time.Time) (string, error) {
	if !IsLadderTier(tier) {
		return "", fmt.Errorf("invalid tier %q for role code generation", tier)
	}
	return fmt.Sprintf("%s%d", tier, now.UnixMilli()), nil
}
