package bytecode

import "fmt"

// Op is a TARL instruction opcode.
//
// The instruction set is deliberately small: enough to declare, armor, read,
// and emit protected values inside nested shield scopes. There is no general
// control flow; a program is a straight-line instruction sequence that the
// interpreter consumes in order.
type Op uint8

// Instruction opcodes.
const (
	// OpDeclare creates a protected variable in the current scope.
	// Name is the variable name, Operand the initial plaintext value.
	OpDeclare Op = 0x01

	// OpArmor marks a variable immutable for the remaining lifetime of the
	// VM instance. Irreversible.
	OpArmor Op = 0x02

	// OpAssign replaces the value of an unarmored variable.
	// Name is the variable name, Operand the new plaintext value.
	OpAssign Op = 0x03

	// OpRead decrypts a variable into a transient buffer scoped to the
	// instruction's evaluation. The buffer is wiped before the next
	// instruction executes.
	OpRead Op = 0x04

	// OpEmit produces a non-secret output value. With Name set it reads the
	// named variable; armored variables refuse to be emitted. With Name
	// empty the Operand literal is emitted as-is.
	OpEmit Op = 0x05

	// OpEnterScope pushes a shield scope frame.
	OpEnterScope Op = 0x06

	// OpExitScope pops the current shield scope frame and wipes every
	// plaintext buffer materialized within it.
	OpExitScope Op = 0x07
)

// String returns the assembler mnemonic for the opcode.
func (op Op) String() string {
	switch op {
	case OpDeclare:
		return "declare"
	case OpArmor:
		return "armor"
	case OpAssign:
		return "assign"
	case OpRead:
		return "read"
	case OpEmit:
		return "emit"
	case OpEnterScope:
		return "enter"
	case OpExitScope:
		return "exit"
	default:
		return fmt.Sprintf("op(0x%02x)", uint8(op))
	}
}

// Valid returns true for a known opcode.
func (op Op) Valid() bool {
	return op >= OpDeclare && op <= OpExitScope
}

// Instruction is one decoded TARL instruction.
type Instruction struct {
	// Op is the opcode.
	Op Op

	// Name is the variable name the instruction targets, if any.
	Name string

	// Operand is the literal payload for declare/assign/emit.
	Operand []byte
}

// String renders the instruction in assembler form without exposing operand
// bytes, which may be secret material.
func (ins Instruction) String() string {
	if ins.Name == "" {
		return ins.Op.String()
	}
	return fmt.Sprintf("%s %s", ins.Op, ins.Name)
}
