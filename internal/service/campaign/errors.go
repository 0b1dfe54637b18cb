package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound   = errors.New("campaign not found")
	ErrNotOwner   = errors.New("campaign belongs to another user")
	ErrValidation = errors.New("campaign cannot be sent")
	ErrBusy       = errors.New("dispatch queue is saturated")
)
