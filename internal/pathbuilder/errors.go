package pathbuilder

import "errors"

// ErrInsufficientSnodes is returned when the pool does not have enough
// untested or unused candidates to satisfy a guard or hop requirement.
var ErrInsufficientSnodes = errors.New("pathbuilder: insufficient service nodes to build path")
