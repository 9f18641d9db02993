package vm

import (
	"time"
)

// EventType distinguishes the structured events an instance reports.
type EventType string

const (
	// EventState is a state machine transition.
	EventState EventType = "state"

	// EventInstruction is one mediated instruction execution. Every access
	// to a protected value goes through an instruction, so the instruction
	// stream is a complete access log.
	EventInstruction EventType = "instruction"

	// EventError is a terminal error outcome.
	EventError EventType = "error"

	// EventTeardown records key destruction.
	EventTeardown EventType = "teardown"
)

// Event is one structured report from a VM instance. Events carry handles
// and outcome kinds only, never decrypted plaintext or operand bytes.
type Event struct {
	// Time is when the event occurred.
	Time time.Time

	// Type is the event type.
	Type EventType

	// State is the instance state after the event.
	State State

	// Program is the base58 digest of the active program, if any.
	Program string

	// Instruction is the assembler form of the instruction (opcode plus
	// variable name, never operand bytes), for instruction events.
	Instruction string

	// Handle is the base58 capability handle touched, if any.
	Handle string

	// Kind is the outcome kind for error events (e.g. "ArmoredViolation").
	Kind string

	// Intent, Scope, and Authority are the audit labels from the instance
	// configuration. Labeling metadata only; they never influence
	// enforcement.
	Intent    string
	Scope     string
	Authority string
}

// Reporter receives structured events from a VM instance. Implementations
// must not block for long; the interpreter loop reports synchronously.
type Reporter interface {
	Report(ev Event)
}

// NopReporter discards all events.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(Event) {}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

// Report implements Reporter.
func (f ReporterFunc) Report(ev Event) { f(ev) }
