package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrItemNotFound       = errors.New("item not found")
	ErrUnknownCollection  = errors.New("unknown collection")
)

// PermissionError is returned when the caller's role lacks access.
type PermissionError struct {
	Action     string
	Collection string
	Field      string
}

func (e *PermissionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("no permission to %s field %s of %s", e.Action, e.Field, e.Collection)
	}
	return fmt.Sprintf("no permission to %s %s", e.Action, e.Collection)
}

func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
