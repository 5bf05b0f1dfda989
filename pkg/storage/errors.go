package storage

import "errors"

// ErrNotFound is returned by readers when no record matches the query.
var ErrNotFound = errors.New("record not found")
