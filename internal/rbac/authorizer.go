package rbac

import (
	"context"
	"errors"
	"strings"
)

// Authorizer resolves (company, subject) to a role and checks it against an
// operation's role set.
type Authorizer struct {
	store Store
}

// NewAuthorizer constructs Authorizer.
func NewAuthorizer(store Store) (*Authorizer, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	return &Authorizer{store: store}, nil
}

// Authorize returns the company and the subject's role when the role is in
// required. Absent membership and insufficient role both yield ErrNotFound.
func (a *Authorizer) Authorize(ctx context.Context, companyID, subjectID string, required RoleSet) (Access, error) {
	companyID = strings.TrimSpace(companyID)
	subjectID = strings.TrimSpace(subjectID)
	if companyID == "" || subjectID == "" {
		return Access{}, ErrNotFound
	}
	access, err := a.store.Access(ctx, companyID, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Access{}, ErrNotFound
		}
		return Access{}, err
	}
	if !required.Has(access.Role) {
		return Access{}, ErrNotFound
	}
	return access, nil
}
