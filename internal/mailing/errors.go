package mailing

import "errors"

// Sentinel errors shared by the stores and the services built on them.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("job already finished")
)
