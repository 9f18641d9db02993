package vm

import (
	"errors"

	"github.com/project-ai/tarl/pkg/memcipher"
)

// Terminal error kinds. Verification failures and armored violations are
// never silently recovered: they halt the run and surface to the caller as
// the terminal result. There is no best-effort continue mode.
var (
	// ErrProgramRejected is returned when signature verification fails.
	// No instruction of a rejected program ever executes.
	ErrProgramRejected = errors.New("program rejected: signature verification failed")

	// ErrNotLoaded is returned when executing before a program has been
	// loaded and verified.
	ErrNotLoaded = errors.New("no verified program loaded")

	// ErrDuplicateDeclaration is returned when declaring a name that
	// already exists in the current scope.
	ErrDuplicateDeclaration = errors.New("duplicate declaration in scope")

	// ErrUnknownVariable is returned when an instruction references a name
	// undeclared in any enclosing scope.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrArmoredViolation is returned when an instruction attempts to
	// mutate an armored variable. This check is unconditional and is
	// evaluated by the interpreter before any mutation.
	ErrArmoredViolation = errors.New("armored variable cannot be modified")

	// ErrDisallowedReveal is returned when a program attempts to emit a
	// value originating from an armored variable.
	ErrDisallowedReveal = errors.New("armored variable cannot be emitted")

	// ErrScopeUnderflow is returned when exit_scope executes with no open
	// shield scope.
	ErrScopeUnderflow = errors.New("scope underflow")

	// ErrAlreadyHalted is returned when executing a halted or torn-down
	// instance. The instance must be reconstructed with fresh key material
	// to run again.
	ErrAlreadyHalted = errors.New("instance halted: reconstruct to run again")

	// ErrConcurrentExecution is returned when a second Execute call arrives
	// while one is in flight.
	ErrConcurrentExecution = errors.New("concurrent execution rejected")

	// ErrExecutionAborted reports an external timeout or cancellation. The
	// aborting caller is responsible for Teardown; Abort does both.
	ErrExecutionAborted = errors.New("execution aborted")
)

// ErrAuthFailure is the memory cipher's tamper-detection failure, re-exported
// so callers can match the terminal result of a run without importing the
// cipher package.
var ErrAuthFailure = memcipher.ErrAuthFailure

// kindOf maps an error to the outcome kind reported in audit events.
func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrProgramRejected):
		return "ProgramRejected"
	case errors.Is(err, ErrNotLoaded):
		return "NotLoaded"
	case errors.Is(err, ErrDuplicateDeclaration):
		return "DuplicateDeclaration"
	case errors.Is(err, ErrUnknownVariable):
		return "UnknownVariable"
	case errors.Is(err, ErrArmoredViolation):
		return "ArmoredViolation"
	case errors.Is(err, ErrDisallowedReveal):
		return "DisallowedReveal"
	case errors.Is(err, ErrScopeUnderflow):
		return "ScopeUnderflow"
	case errors.Is(err, ErrAlreadyHalted):
		return "AlreadyHalted"
	case errors.Is(err, ErrConcurrentExecution):
		return "ConcurrentExecutionError"
	case errors.Is(err, ErrExecutionAborted):
		return "ExecutionAborted"
	case errors.Is(err, memcipher.ErrAuthFailure):
		return "AuthFailure"
	case errors.Is(err, memcipher.ErrNonceReuse):
		return "NonceReuseError"
	case err == nil:
		return ""
	default:
		return "InternalError"
	}
}
