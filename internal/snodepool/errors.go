package snodepool

import "errors"

// ErrPoolUpdatingFailed is returned when a pool refresh could not complete:
// no seed node answered with a parseable body, or every quorum query
// failed. A too-small intersection is reported as ErrInconsistentPools.
var ErrPoolUpdatingFailed = errors.New("snodepool: pool updating failed")

// ErrInconsistentPools is returned when the three nodes queried during a
// non-bootstrap refresh return sets whose intersection is too small to
// trust, short of an outright transport failure.
var ErrInconsistentPools = errors.New("snodepool: inconsistent pool views across queried nodes")
