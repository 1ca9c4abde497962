// Package qmisafe provides panic-recovery wrappers for the goroutines this
// module spawns on the host's behalf: indication dispatch and endpoint
// read loops. A panic in a caller-supplied
// indication handler must never take down the embedding process.
package qmisafe

import (
	"fmt"
	"runtime/debug"

	"github.com/openqmi/qmicore/qmilog"
)

// Result describes what happened when a guarded call panicked.
type Result struct {
	Recovered  bool
	PanicValue any
	StackTrace string
}

// SafeExecute runs fn, converting a panic into an error instead of letting
// it propagate. operation is logged alongside the panic value and stack
// trace for diagnosis.
func SafeExecute(logger qmilog.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			logger.Error("recovered from panic", "operation", operation, "panic", r, "stack", stack)
			err = fmt.Errorf("%s: recovered from panic: %v", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for a function that also returns a
// value.
func SafeExecuteWithResult[T any](logger qmilog.Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			logger.Error("recovered from panic", "operation", operation, "panic", r, "stack", stack)
			var zero T
			result = zero
			err = fmt.Errorf("%s: recovered from panic: %v", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn in its own goroutine with panic recovery. onPanic, if
// non-nil, is called with the recovered value after the panic is logged.
func SafeGo(logger qmilog.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("recovered from panic in goroutine", "operation", operation, "panic", r, "stack", stack)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
