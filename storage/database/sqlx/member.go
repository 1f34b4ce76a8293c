package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/rmhse/membership/core"
	"github.com/rmhse/membership/core/member"
)

const memberColumns = `id, name, email, phone_number, role, role_ids, referral_limit, referred_by, status,
	password_hash, created_at, updated_at, last_login`

type (
	memberRepository struct {
		exec core.DBExecutor
	}

	memberRow struct {
		ID           string         `db:"id"`
		Name         string         `db:"name"`
		Email        string         `db:"email"`
		PhoneNumber  string         `db:"phone_number"`
		Role         string         `db:"role"`
		RoleIDs      pq.StringArray `db:"role_ids"`
		Limit        null.Int       `db:"referral_limit"`
		ReferredBy   null.String    `db:"referred_by"`
		Status       string         `db:"status"`
		PasswordHash []byte         `db:"password_hash"`
		CreatedAt    time.Time      `db:"created_at"`
		UpdatedAt    time.Time      `db:"updated_at"`
		LastLogin    null.Time      `db:"last_login"`
	}
)

var _ member.Repository = (*memberRepository)(nil) // interface compliance check

func NewMemberRepository(exec core.DBExecutor) *memberRepository {
	return &memberRepository{exec: exec}
}

func toRow(m member.Member) memberRow {
	roleIDs := m.RoleIDs
	if roleIDs == nil {
		roleIDs = []string{}
	}
	return memberRow{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PhoneNumber:  m.PhoneNumber,
		Role:         m.Role,
		RoleIDs:      roleIDs,
		Limit:        null.IntFromPtr(m.Limit),
		ReferredBy:   null.NewString(m.ReferredBy, m.ReferredBy != ""),
		Status:       m.Status,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		LastLogin:    null.NewTime(m.LastLogin.UTC(), !m.LastLogin.IsZero()),
	}
}

func (r memberRow) toMember() member.Member {
	return member.Member{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		PhoneNumber:  r.PhoneNumber,
		Role:         r.Role,
		RoleIDs:      []string(r.RoleIDs),
		Limit:        r.Limit.Ptr(),
		ReferredBy:   r.ReferredBy.String,
		Status:       r.Status,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		LastLogin:    r.LastLogin.Time.UTC(),
	}
}

// trapNoRowsErr maps psql "no rows" err to member.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return member.ErrNotFound
	}
	return trapDBErr(err, msg)
}

// trapDBErr turns a closed connection pool into a shutdown error: the app cannot serve without its DB.
func trapDBErr(err error, msg string) error {
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return core.NewShutdownError(msg + ": " + err.Error())
	}
	return errors.Wrap(err, msg)
}

func (repo memberRepository) CheckEmailUniqueness(ctx context.Context, email string, excluded ...member.Member) error {
	q := `SELECT EXISTS (SELECT 1 FROM member WHERE email = $1 AND NOT (id = ANY($2)))`
	ids := make([]string, 0, len(excluded))
	for _, m := range excluded {
		ids = append(ids, m.ID)
	}

	var exists bool
	if err := repo.exec.GetContext(ctx, &exists, q, email, pq.Array(ids)); err != nil {
		return trapDBErr(err, "checking email uniqueness")
	}
	if exists {
		return member.ErrEmailExists
	}
	return nil
}

func (repo memberRepository) CreateMember(ctx context.Context, m member.Member) (member.Member, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	q := `INSERT INTO member (` + memberColumns + `)
	VALUES (:id, :name, :email, :phone_number, :role, :role_ids, :referral_limit, :referred_by, :status,
		:password_hash, :created_at, :updated_at, :last_login)`

	if _, err := sqlx.NamedExecContext(ctx, repo.exec, q, toRow(m)); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return member.Member{}, member.ErrEmailExists
		}
		return member.Member{}, trapDBErr(err, "inserting member")
	}
	return m, nil
}

func (repo memberRepository) getBy(ctx context.Context, where string, arg interface{}) (member.Member, error) {
	var row memberRow
	q := `SELECT ` + memberColumns + ` FROM member WHERE ` + where
	if err := repo.exec.GetContext(ctx, &row, q, arg); err != nil {
		return member.Member{}, trapNoRowsErr(err, "finding member")
	}
	return row.toMember(), nil
}

func (repo memberRepository) GetMemberByID(ctx context.Context, id string) (member.Member, error) {
	if _, err := uuid.Parse(id); err != nil {
		return member.Member{}, member.ErrNotFound
	}
	return repo.getBy(ctx, "id = $1", id)
}

func (repo memberRepository) GetMemberByEmail(ctx context.Context, email string) (member.Member, error) {
	return repo.getBy(ctx, "email = $1", email)
}

func (repo memberRepository) QueryMembersByRole(ctx context.Context, role string, offset, limit int) ([]member.Member, int, error) {
	var total int
	if err := repo.exec.GetContext(ctx, &total, `SELECT COUNT(*) FROM member WHERE role = $1`, role); err != nil {
		return nil, 0, trapDBErr(err, "counting members")
	}

	ord := core.DBOrdering{Field: "created_at", Ascending: true}
	q := `SELECT ` + memberColumns + ` FROM member WHERE role = $1 ORDER BY ` + ord.String() + `, id OFFSET $2 LIMIT $3`
	var rows []memberRow
	if err := repo.exec.SelectContext(ctx, &rows, q, role, offset, limit); err != nil {
		return nil, 0, trapDBErr(err, "querying members")
	}

	members := make([]member.Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, r.toMember())
	}
	return members, total, nil
}

func (repo memberRepository) CountReferrals(ctx context.Context, codes []string) (int, error) {
	var count int
	q := `SELECT COUNT(*) FROM member WHERE referred_by = ANY($1)`
	if err := repo.exec.GetContext(ctx, &count, q, pq.Array(codes)); err != nil {
		return 0, trapDBErr(err, "counting referrals")
	}
	return count, nil
}

func (repo memberRepository) UpdateMember(ctx context.Context, m member.Member) (member.Member, error) {
	q := `UPDATE member SET name = :name, email = :email, phone_number = :phone_number, role = :role,
		role_ids = :role_ids, referral_limit = :referral_limit, referred_by = :referred_by, status = :status,
		password_hash = :password_hash, updated_at = :updated_at, last_login = :last_login
	WHERE id = :id`

	res, err := sqlx.NamedExecContext(ctx, repo.exec, q, toRow(m))
	if err != nil {
		return member.Member{}, trapDBErr(err, "updating member")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return member.Member{}, member.ErrNotFound
	}
	return m, nil
}
