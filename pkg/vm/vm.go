// Package vm implements the TARL secret-isolation virtual machine.
//
// An Instance is the only externally visible entry point: it orchestrates
// load, verify, execute, and teardown over a restricted instruction set that
// assigns, reads, and scope-protects variables. Protected values live sealed
// in the capability table; the interpreter materializes plaintext only for
// the duration of a single instruction's evaluation and shreds it on every
// exit path, success or failure.
//
// The instance is single-threaded, cooperative, and non-reentrant. One
// Execute call is in flight at a time; a concurrent call is rejected
// immediately. No instruction suspends, so the interpreter loop runs to a
// terminal state without yielding to any other execution context.
package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/project-ai/tarl/internal/types"
	"github.com/project-ai/tarl/pkg/bytecode"
	"github.com/project-ai/tarl/pkg/captable"
	"github.com/project-ai/tarl/pkg/keystore"
	"github.com/project-ai/tarl/pkg/memcipher"
)

// State is the interpreter state machine position.
type State int

// Interpreter states. Halted states are terminal: the instance must be
// reconstructed with fresh key material to run again.
const (
	StateIdle State = iota
	StateLoaded
	StateRunning
	StateHaltedOk
	StateHaltedFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateHaltedOk:
		return "halted(ok)"
	case StateHaltedFailed:
		return "halted(failed)"
	default:
		return "unknown"
	}
}

// Config carries audit labels for an instance. The labels appear in reported
// events and nowhere else: armoring and decryption logic never consult them,
// since security must not depend on caller-supplied strings.
type Config struct {
	Intent      string
	Scope       string
	Authority   string
	Constraints []string
}

// EmittedValue is one non-secret output produced by an emit instruction.
type EmittedValue []byte

// String returns the value as a string.
func (v EmittedValue) String() string { return string(v) }

// Instance is one secret-isolation VM. It exclusively owns its capability
// table and memory cipher key for its lifetime; Teardown destroys both.
type Instance struct {
	config   Config
	trusted  types.Pubkey
	reporter Reporter

	cipher *memcipher.Cipher
	table  *captable.Table

	// running guards against concurrent Execute calls. Checked before mu
	// so a second caller is rejected immediately rather than queued.
	running atomic.Bool

	mu       sync.Mutex
	state    State
	program  *bytecode.Program
	digest   string
	failure  error
	executed uint64
	tornDown bool
}

// New constructs an instance around externally provisioned key material. The
// trusted public key is pinned here and never supplied by a program. The key
// handle must be non-nil; its ownership transfers to the instance and
// Teardown releases it. A nil reporter discards events.
func New(cfg Config, trusted types.Pubkey, key *keystore.KeyHandle, reporter Reporter) (*Instance, error) {
	cipher, err := memcipher.New(key)
	if err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	inst := &Instance{
		config:   cfg,
		trusted:  trusted,
		reporter: reporter,
		cipher:   cipher,
		table:    captable.New(cipher),
		state:    StateIdle,
	}
	return inst, nil
}

// State returns the current state machine position.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Failure returns the terminal error for a failed instance, or nil.
func (in *Instance) Failure() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.failure
}

// InstructionsExecuted returns how many instructions have begun executing.
// Zero for a rejected program.
func (in *Instance) InstructionsExecuted() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.executed
}

// report emits a structured event. Caller holds in.mu.
func (in *Instance) report(ev Event) {
	ev.Time = time.Now()
	ev.State = in.state
	ev.Program = in.digest
	ev.Intent = in.config.Intent
	ev.Scope = in.config.Scope
	ev.Authority = in.config.Authority
	in.reporter.Report(ev)
}

// fail transitions to Halted(Failed) and records the terminal error.
// Caller holds in.mu.
func (in *Instance) fail(err error) error {
	in.state = StateHaltedFailed
	in.failure = err
	in.report(Event{Type: EventError, Kind: kindOf(err)})
	in.report(Event{Type: EventState})
	return err
}

// LoadAndVerify verifies the detached signature over the program's container
// bytes under the pinned trusted key and, on success, makes the program the
// instance's active program. Verification failure is terminal: the instance
// halts with ProgramRejected and zero instructions execute.
func (in *Instance) LoadAndVerify(program *bytecode.Program, sig types.Signature) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.tornDown || in.state != StateIdle {
		return ErrAlreadyHalted
	}

	// A nil program is rejected the same way as unverifiable bytes.
	if program == nil {
		return in.fail(ErrProgramRejected)
	}
	if !bytecode.Verify(program.Bytes(), sig, in.trusted) {
		return in.fail(ErrProgramRejected)
	}

	in.program = program
	in.digest = program.Digest().String()
	in.state = StateLoaded
	in.report(Event{Type: EventState})
	return nil
}

// Execute runs the active program to a terminal state and returns the emitted
// values. On any instruction failure the emitted values accumulated so far
// are discarded, not partially returned. A second concurrent call returns
// ErrConcurrentExecution immediately. After any Halted outcome further calls
// return ErrAlreadyHalted.
func (in *Instance) Execute() ([]EmittedValue, error) {
	if !in.running.CompareAndSwap(false, true) {
		in.reporter.Report(Event{
			Time: time.Now(),
			Type: EventError,
			Kind: kindOf(ErrConcurrentExecution),
		})
		return nil, ErrConcurrentExecution
	}
	defer in.running.Store(false)

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.tornDown || in.state == StateHaltedOk || in.state == StateHaltedFailed {
		return nil, ErrAlreadyHalted
	}
	if in.state != StateLoaded {
		return nil, ErrNotLoaded
	}

	in.state = StateRunning
	in.report(Event{Type: EventState})

	emitted, err := in.run()
	if err != nil {
		return nil, in.fail(err)
	}

	in.state = StateHaltedOk
	in.report(Event{Type: EventState})
	return emitted, nil
}

// run is the interpreter loop. Caller holds in.mu and has set StateRunning.
func (in *Instance) run() ([]EmittedValue, error) {
	scopes := newScopeStack()
	var emitted []EmittedValue

	// Whatever happens, no scope of this run outlives it: exited scopes are
	// wiped by OpExitScope, the rest here.
	defer func() {
		for _, id := range scopes.openIDs() {
			in.table.WipeScope(id)
		}
	}()

	for _, ins := range in.program.Instructions {
		in.executed++

		value, err := in.step(scopes, ins)
		if err != nil {
			return nil, err
		}
		if value != nil {
			emitted = append(emitted, value)
		}
	}
	return emitted, nil
}

// step executes one instruction. It returns a non-nil EmittedValue only for
// emit instructions. Any decrypted plaintext materialized here is shredded
// before step returns, on every exit path.
func (in *Instance) step(scopes *scopeStack, ins bytecode.Instruction) (EmittedValue, error) {
	switch ins.Op {
	case bytecode.OpDeclare:
		if scopes.declaredHere(ins.Name) {
			return nil, ErrDuplicateDeclaration
		}
		// Shadowing an armored outer variable would change what the name
		// resolves to, which is mutation by another route.
		if outer, ok := scopes.resolve(ins.Name); ok {
			armored, err := in.table.IsArmored(outer)
			if err != nil {
				return nil, err
			}
			if armored {
				return nil, ErrArmoredViolation
			}
		}
		plaintext := make([]byte, len(ins.Operand))
		copy(plaintext, ins.Operand)
		handle, err := in.table.Store(ins.Name, scopes.current().id, plaintext)
		if err != nil {
			return nil, err
		}
		scopes.bind(ins.Name, handle)
		in.report(Event{Type: EventInstruction, Instruction: ins.String(), Handle: handle.String()})
		return nil, nil

	case bytecode.OpArmor:
		handle, ok := scopes.resolve(ins.Name)
		if !ok {
			return nil, ErrUnknownVariable
		}
		if err := in.table.MarkArmored(handle); err != nil {
			return nil, err
		}
		in.report(Event{Type: EventInstruction, Instruction: ins.String(), Handle: handle.String()})
		return nil, nil

	case bytecode.OpAssign:
		handle, ok := scopes.resolve(ins.Name)
		if !ok {
			return nil, ErrUnknownVariable
		}
		// The armored check precedes any mutation, with no bypass path.
		armored, err := in.table.IsArmored(handle)
		if err != nil {
			return nil, err
		}
		if armored {
			return nil, ErrArmoredViolation
		}
		plaintext := make([]byte, len(ins.Operand))
		copy(plaintext, ins.Operand)
		if err := in.table.Replace(handle, plaintext); err != nil {
			return nil, err
		}
		in.report(Event{Type: EventInstruction, Instruction: ins.String(), Handle: handle.String()})
		return nil, nil

	case bytecode.OpRead:
		handle, ok := scopes.resolve(ins.Name)
		if !ok {
			return nil, ErrUnknownVariable
		}
		plaintext, err := in.table.Load(handle)
		if err != nil {
			return nil, err
		}
		// The decrypted buffer is scoped to this instruction's evaluation.
		keystore.Shred(plaintext)
		in.report(Event{Type: EventInstruction, Instruction: ins.String(), Handle: handle.String()})
		return nil, nil

	case bytecode.OpEmit:
		if ins.Name == "" {
			out := make(EmittedValue, len(ins.Operand))
			copy(out, ins.Operand)
			in.report(Event{Type: EventInstruction, Instruction: ins.String()})
			return out, nil
		}
		handle, ok := scopes.resolve(ins.Name)
		if !ok {
			return nil, ErrUnknownVariable
		}
		armored, err := in.table.IsArmored(handle)
		if err != nil {
			return nil, err
		}
		if armored {
			return nil, ErrDisallowedReveal
		}
		plaintext, err := in.table.Load(handle)
		if err != nil {
			return nil, err
		}
		out := make(EmittedValue, len(plaintext))
		copy(out, plaintext)
		keystore.Shred(plaintext)
		in.report(Event{Type: EventInstruction, Instruction: ins.String(), Handle: handle.String()})
		return out, nil

	case bytecode.OpEnterScope:
		scopes.push()
		in.report(Event{Type: EventInstruction, Instruction: ins.String()})
		return nil, nil

	case bytecode.OpExitScope:
		id, ok := scopes.pop()
		if !ok {
			return nil, ErrScopeUnderflow
		}
		in.table.WipeScope(id)
		in.report(Event{Type: EventInstruction, Instruction: ins.String()})
		return nil, nil

	default:
		return nil, bytecode.ErrInvalidOpcode
	}
}

// Abort reports an external timeout or cancellation and tears the instance
// down, destroying its key material. If a run is in flight Abort blocks until
// it reaches a terminal state; there is no mid-instruction cancellation.
func (in *Instance) Abort() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.tornDown {
		in.report(Event{Type: EventError, Kind: kindOf(ErrExecutionAborted)})
		if in.state != StateHaltedOk && in.state != StateHaltedFailed {
			in.state = StateHaltedFailed
			in.failure = ErrExecutionAborted
			in.report(Event{Type: EventState})
		}
	}
	in.teardownLocked()
}

// Teardown destroys the memory cipher key and shreds every capability table
// buffer. Mandatory on every exit path; idempotent. The instance is
// permanently halted afterwards.
func (in *Instance) Teardown() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.teardownLocked()
}

func (in *Instance) teardownLocked() {
	if in.tornDown {
		return
	}
	in.tornDown = true
	in.table.Teardown()
	in.cipher.Close()
	if in.state != StateHaltedOk && in.state != StateHaltedFailed {
		in.state = StateHaltedFailed
	}
	in.report(Event{Type: EventTeardown})
}
