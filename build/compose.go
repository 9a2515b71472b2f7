package build

import nlerrors "github.com/NebulousLabs/errors"

// Compose wraps multiple errors into a single rich error that satisfies
// Contains, so callers that accumulate many independent failures (such as
// the garbage collector walking every host) can
// later ask "did this specific failure happen?" without string matching.
// Unlike ComposeErrors, the component errors remain inspectable.
func Compose(errs ...error) error {
	return nlerrors.Compose(errs...)
}

// Contains reports whether err is or wraps target, looking through any
// Compose chain.
func Contains(err, target error) bool {
	return nlerrors.Contains(err, target)
}
