package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and clients return these
// (optionally wrapped) so callers can branch with errors.Is without knowing
// which backend produced them.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: row or upstream resource does not exist
// - ErrConflict: uniqueness constraint hit outside the expected upsert key
// - ErrUnavailable: upstream or store temporarily unavailable
// - ErrInvalidInput: structurally invalid code/parameter, retrying cannot help
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidInput = errors.New("invalid input")
)
