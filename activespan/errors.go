package activespan

import (
	"github.com/eluv-io/errors-go"
)

// ErrPropagationInconsistency is the root cause of errors returned by Scope.Exit when the scope chain found at exit is
// not the one installed by the matching Enter: the scope was exited twice, exited out of nesting order, or a callback
// left a different chain behind.
var ErrPropagationInconsistency = errors.Str("propagation scope inconsistency")

// IsPropagationInconsistency returns true if the root cause of err is ErrPropagationInconsistency.
func IsPropagationInconsistency(err error) bool {
	return err != nil && errors.GetRootCause(err) == ErrPropagationInconsistency
}
