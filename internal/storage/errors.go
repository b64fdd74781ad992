package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist, including
// when it exists but belongs to another organization.
var ErrNotFound = errors.New("storage: not found")

// ErrInspectionClosed is returned when findings are written to an inspection
// that has already been completed.
var ErrInspectionClosed = errors.New("storage: inspection closed")
