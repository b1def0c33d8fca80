package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and upstream clients return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist upstream or in a store
// - ErrUnavailable: upstream or store temporarily unreachable
//
// For request validation failures, use pkg/domainerrors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
)
