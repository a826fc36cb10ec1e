package model

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrIdentityConflict     = errors.New("account is bound to a different external identity")
	ErrAuthorityUnavailable = errors.New("external authority unavailable")
	ErrRestoreAborted       = errors.New("restore aborted")
	ErrInvalidInput         = errors.New("invalid input")
	ErrAlreadyExists        = errors.New("already exists")
)
