// Package bytecode implements the TARL program container format.
//
// A program is an ordered instruction sequence wrapped in a small binary
// container:
//
//	magic     [4]byte  "TARL"
//	version   uint16   container format version
//	flags     uint16   bit 0: body is zstd-compressed
//	bodyLen   uint32   length of the (possibly compressed) body
//	body      []byte   instruction records
//
// The body holds a uint32 instruction count followed by one record per
// instruction:
//
//	op         uint8
//	nameLen    uint16 + name bytes
//	operandLen uint32 + operand bytes
//
// All integers are little-endian. The detached Ed25519 signature covers the
// full container bytes and travels alongside them, never inside them, so the
// signed payload is exactly what the loader hands to the verifier.
package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/project-ai/tarl/internal/types"
)

// Container magic bytes.
var programMagic = []byte{'T', 'A', 'R', 'L'}

// Container format version.
const FormatVersion = 1

// Container flags.
const (
	flagZstd = 1 << 0
)

// Decode limits.
const (
	MaxProgramSize = 1 << 20 // 1 MB container
	MaxBodySize    = 4 << 20 // 4 MB decompressed body
	MaxInstructions = 65536
	MaxNameLen      = 256
	MaxOperandLen   = 1 << 16
)

// Decode errors.
var (
	ErrInvalidMagic    = errors.New("invalid program magic")
	ErrUnsupportedVersion = errors.New("unsupported program format version")
	ErrTruncated       = errors.New("truncated program")
	ErrTooLarge        = errors.New("program too large")
	ErrInvalidOpcode   = errors.New("invalid opcode")
	ErrEmptyProgram    = errors.New("empty program")
)

// Program is an immutable, decoded TARL program.
type Program struct {
	// Version is the container format version.
	Version uint16

	// Instructions is the ordered instruction sequence.
	Instructions []Instruction

	// raw holds the exact container bytes the program was decoded from (or
	// encoded to). Signatures and digests are computed over these bytes.
	raw []byte
}

// Bytes returns the container bytes. Callers must not mutate them.
func (p *Program) Bytes() []byte {
	return p.raw
}

// Digest returns the blake3 digest of the container bytes. The digest is the
// program's identity in the program store and in audit events.
func (p *Program) Digest() types.Digest {
	return types.Digest(blake3.Sum256(p.raw))
}

// Len returns the instruction count.
func (p *Program) Len() int {
	return len(p.Instructions)
}

// New builds a program container from an instruction sequence. The body is
// zstd-compressed when that actually shrinks it.
func New(instructions []Instruction) (*Program, error) {
	if len(instructions) == 0 {
		return nil, ErrEmptyProgram
	}
	if len(instructions) > MaxInstructions {
		return nil, ErrTooLarge
	}

	var body bytes.Buffer
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], uint32(len(instructions)))
	body.Write(scratch[:4])

	for _, ins := range instructions {
		if !ins.Op.Valid() {
			return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidOpcode, uint8(ins.Op))
		}
		if len(ins.Name) > MaxNameLen {
			return nil, fmt.Errorf("%w: name %q", ErrTooLarge, ins.Name)
		}
		if len(ins.Operand) > MaxOperandLen {
			return nil, fmt.Errorf("%w: operand of %s", ErrTooLarge, ins.Op)
		}

		body.WriteByte(uint8(ins.Op))
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(ins.Name)))
		body.Write(scratch[:2])
		body.WriteString(ins.Name)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(ins.Operand)))
		body.Write(scratch[:4])
		body.Write(ins.Operand)
	}

	bodyBytes := body.Bytes()
	flags := uint16(0)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(bodyBytes, nil)
	enc.Close()
	if len(compressed) < len(bodyBytes) {
		bodyBytes = compressed
		flags |= flagZstd
	}

	var container bytes.Buffer
	container.Write(programMagic)
	binary.LittleEndian.PutUint16(scratch[:2], FormatVersion)
	container.Write(scratch[:2])
	binary.LittleEndian.PutUint16(scratch[:2], flags)
	container.Write(scratch[:2])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(bodyBytes)))
	container.Write(scratch[:4])
	container.Write(bodyBytes)

	if container.Len() > MaxProgramSize {
		return nil, ErrTooLarge
	}

	return &Program{
		Version:      FormatVersion,
		Instructions: instructions,
		raw:          container.Bytes(),
	}, nil
}

// Decode parses a program container. The input bytes are retained as the
// program's raw form; callers must not mutate them afterwards.
func Decode(raw []byte) (*Program, error) {
	if len(raw) > MaxProgramSize {
		return nil, ErrTooLarge
	}
	if len(raw) < len(programMagic)+8 {
		return nil, ErrTruncated
	}
	if !bytes.Equal(raw[:4], programMagic) {
		return nil, ErrInvalidMagic
	}

	version := binary.LittleEndian.Uint16(raw[4:6])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	flags := binary.LittleEndian.Uint16(raw[6:8])
	bodyLen := binary.LittleEndian.Uint32(raw[8:12])

	if int(bodyLen) != len(raw)-12 {
		return nil, ErrTruncated
	}
	body := raw[12:]

	if flags&flagZstd != 0 {
		// The decoder is bounded so an untrusted container cannot force an
		// allocation beyond MaxBodySize before the signature gate.
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, fmt.Errorf("%w: compressed body", ErrTooLarge)
			}
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	}
	if len(body) > MaxBodySize {
		return nil, ErrTooLarge
	}
	if len(body) < 4 {
		return nil, ErrTruncated
	}

	count := binary.LittleEndian.Uint32(body[:4])
	if count == 0 {
		return nil, ErrEmptyProgram
	}
	if count > MaxInstructions {
		return nil, ErrTooLarge
	}

	instructions := make([]Instruction, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+1+2 > len(body) {
			return nil, ErrTruncated
		}
		op := Op(body[off])
		off++
		if !op.Valid() {
			return nil, fmt.Errorf("%w: 0x%02x at instruction %d", ErrInvalidOpcode, uint8(op), i)
		}

		nameLen := int(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
		if nameLen > MaxNameLen {
			return nil, fmt.Errorf("%w: name at instruction %d", ErrTooLarge, i)
		}
		if off+nameLen > len(body) {
			return nil, ErrTruncated
		}
		name := string(body[off : off+nameLen])
		off += nameLen

		if off+4 > len(body) {
			return nil, ErrTruncated
		}
		operandLen := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if operandLen > MaxOperandLen {
			return nil, fmt.Errorf("%w: operand at instruction %d", ErrTooLarge, i)
		}
		if off+operandLen > len(body) {
			return nil, ErrTruncated
		}
		var operand []byte
		if operandLen > 0 {
			operand = make([]byte, operandLen)
			copy(operand, body[off:off+operandLen])
		}
		off += operandLen

		instructions = append(instructions, Instruction{Op: op, Name: name, Operand: operand})
	}
	if off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(body)-off)
	}

	return &Program{
		Version:      version,
		Instructions: instructions,
		raw:          raw,
	}, nil
}
