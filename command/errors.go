package command

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ContractError is the panic value raised on caller contract violations: double-freeing a
// context, mutating a context after Finish, freeing a context this manager never issued,
// and similar bugs. These are never tolerated silently because the caller's next step
// would corrupt shared GPU state.
type ContractError struct {
	message string
}

func (e *ContractError) Error() string {
	return e.message
}

var fatalHookMutex sync.Mutex
var fatalHook atomic.Value

// SetFatalHook installs an observer invoked with the ContractError just before the panic
// is raised, and returns the previously installed hook. Tests use this to assert on
// violations; production code should leave it unset and let the process die.
func SetFatalHook(hook func(err *ContractError)) func(err *ContractError) {
	fatalHookMutex.Lock()
	defer fatalHookMutex.Unlock()

	previous, _ := fatalHook.Load().(func(err *ContractError))
	if hook == nil {
		fatalHook.Store((func(err *ContractError))(nil))
	} else {
		fatalHook.Store(hook)
	}
	return previous
}

func contractViolation(format string, args ...any) {
	err := &ContractError{message: fmt.Sprintf(format, args...)}

	hook, _ := fatalHook.Load().(func(err *ContractError))
	if hook != nil {
		hook(err)
	}

	panic(err)
}
