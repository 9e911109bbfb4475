// Copyright 2025 Certen Protocol

package storage

import "errors"

// Sentinel errors for repository operations — explicit errors instead of
// bare nil, nil returns, matching the teacher's pkg/database/errors.go.
var (
	ErrUnitNotFound     = errors.New("storage: unit not found")
	ErrOutputNotFound   = errors.New("storage: output not found")
	ErrBallNotFound     = errors.New("storage: ball not found")
	ErrAANotFound       = errors.New("storage: aa address not found")
	ErrTriggerNotFound  = errors.New("storage: aa trigger not found")
	ErrJournalNotFound  = errors.New("storage: journal entry not found")
)
