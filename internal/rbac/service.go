package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"taxdesk.org/internal/audit"
	"taxdesk.org/internal/ids"
)

const maxCompanyNameLength = 200

// Service implements company and membership operations on top of Authorizer.
type Service struct {
	authz *Authorizer
	store Store
	audit *audit.Logger
	now   func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithAudit records membership changes to the audit log.
func WithAudit(l *audit.Logger) ServiceOption {
	return func(s *Service) { s.audit = l }
}

// WithServiceClock overrides time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs Service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	authz, err := NewAuthorizer(store)
	if err != nil {
		return nil, err
	}
	s := &Service{authz: authz, store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorizer exposes the underlying authorizer for handlers gating non-company work.
func (s *Service) Authorizer() *Authorizer { return s.authz }

// CreateCompany creates a company owned by ownerID.
func (s *Service) CreateCompany(ctx context.Context, ownerID, name string) (Company, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Company{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	name, err := normalizeName(name)
	if err != nil {
		return Company{}, err
	}
	now := s.now().UTC()
	company, err := s.store.CreateCompany(ctx, Company{
		ID:        ids.New(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}, ownerID)
	if err != nil {
		return Company{}, err
	}
	s.record(ctx, audit.EventCompanyCreate, zap.String("company_id", company.ID))
	return company, nil
}

// ListCompanies lists every company subjectID is a member of, with its role.
func (s *Service) ListCompanies(ctx context.Context, subjectID string) ([]Access, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	return s.store.ListCompanies(ctx, subjectID)
}

// GetCompany returns the company when subjectID may read it.
func (s *Service) GetCompany(ctx context.Context, companyID, subjectID string) (Access, error) {
	return s.authz.Authorize(ctx, companyID, subjectID, Read)
}

// RenameCompany renames a company.
func (s *Service) RenameCompany(ctx context.Context, companyID, subjectID, name string) (Company, error) {
	access, err := s.authz.Authorize(ctx, companyID, subjectID, Write)
	if err != nil {
		return Company{}, err
	}
	name, err = normalizeName(name)
	if err != nil {
		return Company{}, err
	}
	company, err := s.store.RenameCompany(ctx, access.Company.ID, name, s.now().UTC())
	if err != nil {
		return Company{}, err
	}
	s.record(ctx, audit.EventCompanyRename, zap.String("company_id", company.ID))
	return company, nil
}

// DeleteCompany removes a company and, by cascade, all of its memberships.
func (s *Service) DeleteCompany(ctx context.Context, companyID, subjectID string) error {
	access, err := s.authz.Authorize(ctx, companyID, subjectID, OwnerOnly)
	if err != nil {
		return err
	}
	if err := s.store.DeleteCompany(ctx, access.Company.ID); err != nil {
		return err
	}
	s.record(ctx, audit.EventCompanyDelete, zap.String("company_id", access.Company.ID))
	return nil
}

// ListMembers lists a company's memberships.
func (s *Service) ListMembers(ctx context.Context, companyID, subjectID string) ([]Member, error) {
	access, err := s.authz.Authorize(ctx, companyID, subjectID, Read)
	if err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, access.Company.ID)
}

// AddMember grants userID a role on the company.
func (s *Service) AddMember(ctx context.Context, companyID, actorID, userID string, role Role) (Member, error) {
	access, err := s.authz.Authorize(ctx, companyID, actorID, Manage)
	if err != nil {
		return Member{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Member{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return Member{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if role == RoleOwner {
		return Member{}, ErrOwnerImmutable
	}
	if role == RoleAdmin && access.Role != RoleOwner {
		return Member{}, ErrPrivilegeEscalation
	}
	member, err := s.store.AddMember(ctx, Member{
		CompanyID: access.Company.ID,
		UserID:    userID,
		Role:      role,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return Member{}, err
	}
	s.record(ctx, audit.EventMemberAdd,
		zap.String("company_id", member.CompanyID),
		zap.String("member_id", member.UserID),
		zap.Stringer("role", member.Role),
	)
	return member, nil
}

// ChangeRole moves an existing member to a new role.
func (s *Service) ChangeRole(ctx context.Context, companyID, actorID, targetID string, role Role) (Member, error) {
	access, err := s.authz.Authorize(ctx, companyID, actorID, Manage)
	if err != nil {
		return Member{}, err
	}
	if !role.Valid() {
		return Member{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	target, err := s.store.GetMember(ctx, access.Company.ID, strings.TrimSpace(targetID))
	if err != nil {
		return Member{}, err
	}
	if err := checkMutation(access, strings.TrimSpace(actorID), target, role); err != nil {
		return Member{}, err
	}
	if target.Role == role {
		return target, nil
	}
	member, err := s.store.SetMemberRole(ctx, target.CompanyID, target.UserID, target.Role, role)
	if err != nil {
		return Member{}, err
	}
	s.record(ctx, audit.EventMemberRole,
		zap.String("company_id", member.CompanyID),
		zap.String("member_id", member.UserID),
		zap.Stringer("from", target.Role),
		zap.Stringer("to", member.Role),
	)
	return member, nil
}

// RemoveMember revokes a membership.
func (s *Service) RemoveMember(ctx context.Context, companyID, actorID, targetID string) error {
	access, err := s.authz.Authorize(ctx, companyID, actorID, Manage)
	if err != nil {
		return err
	}
	target, err := s.store.GetMember(ctx, access.Company.ID, strings.TrimSpace(targetID))
	if err != nil {
		return err
	}
	if err := checkMutation(access, strings.TrimSpace(actorID), target, RoleUnknown); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, target.CompanyID, target.UserID, target.Role); err != nil {
		return err
	}
	s.record(ctx, audit.EventMemberRemove,
		zap.String("company_id", target.CompanyID),
		zap.String("member_id", target.UserID),
	)
	return nil
}

// checkMutation applies the membership invariants to changing target to role.
// RoleUnknown stands for removal.
func checkMutation(actor Access, actorID string, target Member, role Role) error {
	if target.Role == RoleOwner || role == RoleOwner {
		return ErrOwnerImmutable
	}
	if target.UserID == actorID && !Manage.Has(role) {
		return ErrSelfLockout
	}
	if (target.Role == RoleAdmin || role == RoleAdmin) && actor.Role != RoleOwner {
		return ErrPrivilegeEscalation
	}
	return nil
}

func (s *Service) record(ctx context.Context, event string, fields ...zap.Field) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Event(ctx, event, fields...)
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: company name is required", ErrInvalidInput)
	}
	if len(name) > maxCompanyNameLength {
		return "", fmt.Errorf("%w: company name is too long", ErrInvalidInput)
	}
	return name, nil
}

// IsDenied reports whether err is one of the membership rule violations.
func IsDenied(err error) bool {
	return errors.Is(err, ErrOwnerImmutable) ||
		errors.Is(err, ErrPrivilegeEscalation) ||
		errors.Is(err, ErrSelfLockout)
}
