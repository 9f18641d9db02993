package bytecode

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Assembler errors.
var (
	ErrSyntax = errors.New("syntax error")
)

// Assemble parses the textual instruction form into a program container.
//
// One instruction per line, mnemonic first. Variable names are bare words,
// literals are double-quoted Go strings. Blank lines and #-comments are
// skipped.
//
//	enter
//	declare apiKey "sk-XYZ"
//	armor apiKey
//	emit "key protected"
//	exit
//
// `emit` with a bare word emits the named variable, `emit` with a quoted
// string emits the literal.
func Assemble(src string) (*Program, error) {
	var instructions []Instruction

	sc := bufio.NewScanner(strings.NewReader(src))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		mnemonic, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		ins, err := parseInstruction(mnemonic, rest)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		instructions = append(instructions, ins)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(instructions) == 0 {
		return nil, ErrEmptyProgram
	}

	return New(instructions)
}

func parseInstruction(mnemonic, rest string) (Instruction, error) {
	switch mnemonic {
	case "enter":
		if rest != "" {
			return Instruction{}, fmt.Errorf("%w: enter takes no arguments", ErrSyntax)
		}
		return Instruction{Op: OpEnterScope}, nil

	case "exit":
		if rest != "" {
			return Instruction{}, fmt.Errorf("%w: exit takes no arguments", ErrSyntax)
		}
		return Instruction{Op: OpExitScope}, nil

	case "armor", "read":
		name, err := parseName(rest)
		if err != nil {
			return Instruction{}, err
		}
		op := OpArmor
		if mnemonic == "read" {
			op = OpRead
		}
		return Instruction{Op: op, Name: name}, nil

	case "declare", "assign":
		name, lit, ok := strings.Cut(rest, " ")
		if !ok {
			return Instruction{}, fmt.Errorf("%w: %s needs a name and a quoted value", ErrSyntax, mnemonic)
		}
		if _, err := parseName(name); err != nil {
			return Instruction{}, err
		}
		value, err := parseLiteral(strings.TrimSpace(lit))
		if err != nil {
			return Instruction{}, err
		}
		op := OpDeclare
		if mnemonic == "assign" {
			op = OpAssign
		}
		return Instruction{Op: op, Name: name, Operand: value}, nil

	case "emit":
		if strings.HasPrefix(rest, `"`) {
			value, err := parseLiteral(rest)
			if err != nil {
				return Instruction{}, err
			}
			return Instruction{Op: OpEmit, Operand: value}, nil
		}
		name, err := parseName(rest)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpEmit, Name: name}, nil

	default:
		return Instruction{}, fmt.Errorf("%w: unknown mnemonic %q", ErrSyntax, mnemonic)
	}
}

// parseName validates a bare variable name.
func parseName(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: missing variable name", ErrSyntax)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return "", fmt.Errorf("%w: invalid variable name %q", ErrSyntax, s)
		}
	}
	if len(s) > MaxNameLen {
		return "", fmt.Errorf("%w: name %q", ErrTooLarge, s)
	}
	return s, nil
}

// parseLiteral parses a double-quoted Go string literal.
func parseLiteral(s string) ([]byte, error) {
	if !strings.HasPrefix(s, `"`) {
		return nil, fmt.Errorf("%w: expected quoted literal, got %q", ErrSyntax, s)
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad literal %s", ErrSyntax, s)
	}
	return []byte(unquoted), nil
}
