package lib

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrDefer              = errors.New("precondition not met yet")
	ErrMalformedID        = errors.New("malformed id")
	ErrUnknownAccountType = errors.New("unknown account type")
	ErrUnknownTaskType    = errors.New("unknown task type")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConnection         = errors.New("connection failure")
	ErrClosed             = errors.New("closed")
	ErrTaskPanic          = errors.New("task panicked")
	ErrNotSelected        = errors.New("folder not selected")
)
