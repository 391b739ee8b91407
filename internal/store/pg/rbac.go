package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taxdesk.org/internal/rbac"
)

var _ rbac.Store = (*Store)(nil)

func (s *Store) Access(ctx context.Context, companyID, userID string) (rbac.Access, error) {
	if s.db == nil {
		return rbac.Access{}, errNoDB
	}
	var (
		access rbac.Access
		role   string
	)
	err := s.db.QueryRowContext(ctx, `
		select c.id, c.name, c.created_at, c.updated_at, m.role
		from company_members m
		join companies c on c.id = m.company_id
		where m.company_id = $1 and m.user_id = $2
	`, companyID, userID).Scan(&access.Company.ID, &access.Company.Name, &access.Company.CreatedAt, &access.Company.UpdatedAt, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Access{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Access{}, err
	}
	if access.Role, err = rbac.ParseRole(role); err != nil {
		return rbac.Access{}, fmt.Errorf("decode role: %w", err)
	}
	return access, nil
}

func (s *Store) CreateCompany(ctx context.Context, company rbac.Company, ownerID string) (rbac.Company, error) {
	if s.db == nil {
		return rbac.Company{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Company{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into companies (id, name, created_at, updated_at)
		values ($1, $2, $3, $4)
	`, company.ID, company.Name, company.CreatedAt, company.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Company{}, rbac.ErrConflict
		}
		return rbac.Company{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into company_members (company_id, user_id, role, created_at)
		values ($1, $2, $3, $4)
	`, company.ID, ownerID, rbac.RoleOwner.String(), company.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.Company{}, fmt.Errorf("%w: unknown owner", rbac.ErrInvalidInput)
		}
		return rbac.Company{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.Company{}, err
	}
	return company, nil
}

func (s *Store) ListCompanies(ctx context.Context, userID string) ([]rbac.Access, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select c.id, c.name, c.created_at, c.updated_at, m.role
		from company_members m
		join companies c on c.id = m.company_id
		where m.user_id = $1
		order by c.name, c.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Access
	for rows.Next() {
		var (
			a    rbac.Access
			role string
		)
		if err := rows.Scan(&a.Company.ID, &a.Company.Name, &a.Company.CreatedAt, &a.Company.UpdatedAt, &role); err != nil {
			return nil, err
		}
		if a.Role, err = rbac.ParseRole(role); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) RenameCompany(ctx context.Context, companyID, name string, at time.Time) (rbac.Company, error) {
	if s.db == nil {
		return rbac.Company{}, errNoDB
	}
	var c rbac.Company
	err := s.db.QueryRowContext(ctx, `
		update companies set name = $2, updated_at = $3
		where id = $1
		returning id, name, created_at, updated_at
	`, companyID, trimmed(name), at).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Company{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Company{}, err
	}
	return c, nil
}

func (s *Store) DeleteCompany(ctx context.Context, companyID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from companies where id = $1`, companyID)
	if err != nil {
		return err
	}
	return expectOneRow(res, rbac.ErrNotFound)
}

func (s *Store) ListMembers(ctx context.Context, companyID string) ([]rbac.Member, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select m.company_id, m.user_id, u.email, m.role, m.created_at
		from company_members m
		join users u on u.id = m.user_id
		where m.company_id = $1
		order by case m.role when 'OWNER' then 1 when 'ADMIN' then 2 when 'ACCOUNTANT' then 3 else 4 end, m.user_id
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) GetMember(ctx context.Context, companyID, userID string) (rbac.Member, error) {
	if s.db == nil {
		return rbac.Member{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select m.company_id, m.user_id, u.email, m.role, m.created_at
		from company_members m
		join users u on u.id = m.user_id
		where m.company_id = $1 and m.user_id = $2
	`, companyID, userID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Member{}, rbac.ErrNotFound
	}
	return m, err
}

func (s *Store) AddMember(ctx context.Context, m rbac.Member) (rbac.Member, error) {
	if s.db == nil {
		return rbac.Member{}, errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into company_members (company_id, user_id, role, created_at)
		values ($1, $2, $3, $4)
	`, m.CompanyID, m.UserID, m.Role.String(), m.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rbac.Member{}, rbac.ErrConflict
			case pgErrForeignKeyViolation:
				return rbac.Member{}, fmt.Errorf("%w: unknown user", rbac.ErrInvalidInput)
			}
		}
		return rbac.Member{}, err
	}
	return s.GetMember(ctx, m.CompanyID, m.UserID)
}

// SetMemberRole updates the role only while it still equals from, so a
// concurrent change made after the caller's check is not overwritten.
func (s *Store) SetMemberRole(ctx context.Context, companyID, userID string, from, to rbac.Role) (rbac.Member, error) {
	if s.db == nil {
		return rbac.Member{}, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update company_members set role = $4
		where company_id = $1 and user_id = $2 and role = $3 and role <> 'OWNER'
	`, companyID, userID, from.String(), to.String())
	if err != nil {
		return rbac.Member{}, err
	}
	if err := expectOneRow(res, rbac.ErrConflict); err != nil {
		return rbac.Member{}, err
	}
	return s.GetMember(ctx, companyID, userID)
}

func (s *Store) RemoveMember(ctx context.Context, companyID, userID string, current rbac.Role) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from company_members
		where company_id = $1 and user_id = $2 and role = $3 and role <> 'OWNER'
	`, companyID, userID, current.String())
	if err != nil {
		return err
	}
	return expectOneRow(res, rbac.ErrConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (rbac.Member, error) {
	var (
		m    rbac.Member
		role string
	)
	if err := row.Scan(&m.CompanyID, &m.UserID, &m.Email, &role, &m.CreatedAt); err != nil {
		return rbac.Member{}, err
	}
	r, err := rbac.ParseRole(role)
	if err != nil {
		return rbac.Member{}, err
	}
	m.Role = r
	return m, nil
}

// expectOneRow reports none when the statement matched no row. For guarded
// member writes that means the row is gone, is the owner, or changed role
// since it was read.
func expectOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}
