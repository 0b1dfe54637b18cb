package suppression

import "errors"

var (
	ErrEmailRequired = errors.New("email is required")
	ErrNotFound      = errors.New("suppression entry not found")
)
