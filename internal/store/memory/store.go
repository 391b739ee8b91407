// Package memory holds in-process implementations of the user and membership
// stores, used when no database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/rbac"
)

type memberKey struct {
	companyID string
	userID    string
}

// Store keeps users, companies and memberships in maps behind one lock.
type Store struct {
	mu        sync.RWMutex
	users     map[string]auth.User
	byEmail   map[string]string
	companies map[string]rbac.Company
	members   map[memberKey]rbac.Member
}

var (
	_ auth.UserStore = (*Store)(nil)
	_ rbac.Store     = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:     make(map[string]auth.User),
		byEmail:   make(map[string]string),
		companies: make(map[string]rbac.Company),
		members:   make(map[memberKey]rbac.Member),
	}
}

func (s *Store) CreateUser(_ context.Context, u *auth.User) error {
	if u == nil || u.ID == "" {
		return auth.ErrInvalidInput
	}
	email := strings.ToLower(u.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := s.users[u.ID]; ok {
		return auth.ErrAlreadyExists
	}
	s.users[u.ID] = *u
	s.byEmail[email] = u.ID
	return nil
}

func (s *Store) FindUser(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) Access(_ context.Context, companyID, userID string) (rbac.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{companyID, userID}]
	if !ok {
		return rbac.Access{}, rbac.ErrNotFound
	}
	c, ok := s.companies[companyID]
	if !ok {
		return rbac.Access{}, rbac.ErrNotFound
	}
	return rbac.Access{Company: c, Role: m.Role}, nil
}

func (s *Store) CreateCompany(_ context.Context, company rbac.Company, ownerID string) (rbac.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[ownerID]; !ok {
		return rbac.Company{}, rbac.ErrInvalidInput
	}
	if _, ok := s.companies[company.ID]; ok {
		return rbac.Company{}, rbac.ErrConflict
	}
	s.companies[company.ID] = company
	s.members[memberKey{company.ID, ownerID}] = rbac.Member{
		CompanyID: company.ID,
		UserID:    ownerID,
		Role:      rbac.RoleOwner,
		CreatedAt: company.CreatedAt,
	}
	return company, nil
}

func (s *Store) ListCompanies(_ context.Context, userID string) ([]rbac.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Access
	for k, m := range s.members {
		if k.userID != userID {
			continue
		}
		if c, ok := s.companies[k.companyID]; ok {
			out = append(out, rbac.Access{Company: c, Role: m.Role})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Company.Name != out[j].Company.Name {
			return out[i].Company.Name < out[j].Company.Name
		}
		return out[i].Company.ID < out[j].Company.ID
	})
	return out, nil
}

func (s *Store) RenameCompany(_ context.Context, companyID, name string, at time.Time) (rbac.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[companyID]
	if !ok {
		return rbac.Company{}, rbac.ErrNotFound
	}
	c.Name = name
	c.UpdatedAt = at
	s.companies[companyID] = c
	return c, nil
}

func (s *Store) DeleteCompany(_ context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[companyID]; !ok {
		return rbac.ErrNotFound
	}
	delete(s.companies, companyID)
	for k := range s.members {
		if k.companyID == companyID {
			delete(s.members, k)
		}
	}
	return nil
}

func (s *Store) ListMembers(_ context.Context, companyID string) ([]rbac.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Member
	for k, m := range s.members {
		if k.companyID == companyID {
			out = append(out, s.withEmail(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *Store) GetMember(_ context.Context, companyID, userID string) (rbac.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{companyID, userID}]
	if !ok {
		return rbac.Member{}, rbac.ErrNotFound
	}
	return s.withEmail(m), nil
}

func (s *Store) AddMember(_ context.Context, m rbac.Member) (rbac.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.companies[m.CompanyID]; !ok {
		return rbac.Member{}, rbac.ErrNotFound
	}
	if _, ok := s.users[m.UserID]; !ok {
		return rbac.Member{}, rbac.ErrInvalidInput
	}
	key := memberKey{m.CompanyID, m.UserID}
	if _, ok := s.members[key]; ok {
		return rbac.Member{}, rbac.ErrConflict
	}
	s.members[key] = m
	return s.withEmail(m), nil
}

func (s *Store) SetMemberRole(_ context.Context, companyID, userID string, from, to rbac.Role) (rbac.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{companyID, userID}
	m, err := s.guardedMember(key, from)
	if err != nil {
		return rbac.Member{}, err
	}
	m.Role = to
	s.members[key] = m
	return s.withEmail(m), nil
}

func (s *Store) RemoveMember(_ context.Context, companyID, userID string, current rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{companyID, userID}
	if _, err := s.guardedMember(key, current); err != nil {
		return err
	}
	delete(s.members, key)
	return nil
}

// guardedMember returns the row at key only if it is not the owner and still
// holds role want. Callers hold s.mu.
func (s *Store) guardedMember(key memberKey, want rbac.Role) (rbac.Member, error) {
	m, ok := s.members[key]
	switch {
	case !ok:
		return rbac.Member{}, rbac.ErrNotFound
	case m.Role == rbac.RoleOwner:
		return rbac.Member{}, rbac.ErrOwnerImmutable
	case m.Role != want:
		return rbac.Member{}, rbac.ErrConflict
	}
	return m, nil
}

func (s *Store) withEmail(m rbac.Member) rbac.Member {
	if u, ok := s.users[m.UserID]; ok {
		m.Email = u.Email
	}
	return m
}
