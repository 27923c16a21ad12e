// Package context shortens the standard library context names used
// throughout outboxr.
package context

import (
	"context"
)

type (
	T = context.Context
	F = context.CancelFunc
	C = context.CancelCauseFunc
)

var (
	Bg               = context.Background
	Cancel           = context.WithCancel
	CancelCause      = context.WithCancelCause
	Timeout          = context.WithTimeout
	TimeoutCause     = context.WithTimeoutCause
	Deadline         = context.WithDeadline
	WithoutCancel    = context.WithoutCancel
	Cause            = context.Cause
	TODO             = context.TODO
	Value            = context.WithValue
	Canceled         = context.Canceled
	DeadlineExceeded = context.DeadlineExceeded
)
