package rbac

import (
	"context"
	"time"
)

// Company is the shared resource members are granted roles on.
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is one membership row.
type Member struct {
	CompanyID string    `json:"company_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Access is the result of a successful authorization.
type Access struct {
	Company Company `json:"company"`
	Role    Role    `json:"role"`
}

// Store persists companies and memberships.
type Store interface {
	// Access resolves the company and the subject's role with a single join.
	Access(ctx context.Context, companyID, userID string) (Access, error)
	// CreateCompany inserts the company and its owner membership atomically.
	CreateCompany(ctx context.Context, company Company, ownerID string) (Company, error)
	ListCompanies(ctx context.Context, userID string) ([]Access, error)
	RenameCompany(ctx context.Context, companyID, name string, at time.Time) (Company, error)
	DeleteCompany(ctx context.Context, companyID string) error

	ListMembers(ctx context.Context, companyID string) ([]Member, error)
	GetMember(ctx context.Context, companyID, userID string) (Member, error)
	AddMember(ctx context.Context, member Member) (Member, error)
	// SetMemberRole moves a member from role from to role to. OWNER rows are
	// never touched; a stored role other than from yields ErrConflict.
	SetMemberRole(ctx context.Context, companyID, userID string, from, to Role) (Member, error)
	// RemoveMember deletes a membership still holding role current.
	RemoveMember(ctx context.Context, companyID, userID string, current Role) error
}
