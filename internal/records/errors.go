package records

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField         = errors.New("missing field")
	ErrUserExists           = errors.New("username already exists")
	ErrUserNotFound         = errors.New("user not found")
	ErrRoleExists           = errors.New("role already exists")
	ErrRoleNotFound         = errors.New("role not found")
	ErrRoleProtected        = errors.New("default roles cannot be changed")
	ErrRoleInUse            = errors.New("role is assigned to users")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrFileNotFound         = errors.New("file not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrSystemBusy           = errors.New("system is in use by another user")
)

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}
