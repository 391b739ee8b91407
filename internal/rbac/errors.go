package rbac

import "errors"

var (
	// ErrNotFound covers both a missing company and a subject lacking the
	// required role, so callers cannot test for existence.
	ErrNotFound            = errors.New("rbac: resource not found")
	ErrInvalidInput        = errors.New("rbac: invalid input")
	ErrConflict            = errors.New("rbac: membership already exists")
	ErrOwnerImmutable      = errors.New("rbac: owner membership cannot be changed")
	ErrPrivilegeEscalation = errors.New("rbac: only the owner may grant or modify admin")
	ErrSelfLockout         = errors.New("rbac: cannot remove own administrative access")
)
