package bytecode

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/project-ai/tarl/internal/types"
)

func testInstructions() []Instruction {
	return []Instruction{
		{Op: OpEnterScope},
		{Op: OpDeclare, Name: "apiKey", Operand: []byte("sk-XYZ")},
		{Op: OpArmor, Name: "apiKey"},
		{Op: OpEmit, Operand: []byte("API key is protected")},
		{Op: OpExitScope},
	}
}

// TestProgramRoundTrip encodes and decodes a program container.
func TestProgramRoundTrip(t *testing.T) {
	program, err := New(testInstructions())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	decoded, err := Decode(program.Bytes())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	if decoded.Len() != program.Len() {
		t.Fatalf("Len() = %d, want %d", decoded.Len(), program.Len())
	}
	for i, ins := range decoded.Instructions {
		want := program.Instructions[i]
		if ins.Op != want.Op || ins.Name != want.Name || !bytes.Equal(ins.Operand, want.Operand) {
			t.Errorf("instruction %d = %+v, want %+v", i, ins, want)
		}
	}
	if decoded.Digest() != program.Digest() {
		t.Errorf("digest changed across round trip")
	}
}

// TestProgramCompression checks that a highly repetitive body takes the zstd
// path and still round-trips.
func TestProgramCompression(t *testing.T) {
	big := bytes.Repeat([]byte("secret-block-"), 1024)
	instructions := []Instruction{
		{Op: OpDeclare, Name: "blob", Operand: big},
		{Op: OpEmit, Name: "blob"},
	}

	program, err := New(instructions)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if len(program.Bytes()) >= len(big) {
		t.Errorf("container %d bytes, expected compression below operand size %d",
			len(program.Bytes()), len(big))
	}

	decoded, err := Decode(program.Bytes())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if !bytes.Equal(decoded.Instructions[0].Operand, big) {
		t.Error("operand corrupted across compressed round trip")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	program, err := New(testInstructions())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	raw := program.Bytes()

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short", raw[:8], ErrTruncated},
		{"bad magic", append([]byte("XXXX"), raw[4:]...), ErrInvalidMagic},
		{"truncated body", raw[:len(raw)-3], ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("Decode() = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestDecodeBoundsDecompression feeds a small container whose compressed body
// expands far past the body limit and checks it is rejected by the bounded
// decoder rather than decompressed in full.
func TestDecodeBoundsDecompression(t *testing.T) {
	// 32 MiB of zeroes compresses to a few KiB but expands well past
	// MaxBodySize on decode.
	huge := make([]byte, 32<<20)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := enc.EncodeAll(huge, nil)
	enc.Close()
	if len(compressed) >= MaxProgramSize {
		t.Fatalf("compressed body %d bytes, expected to fit a container", len(compressed))
	}

	var raw bytes.Buffer
	var scratch [4]byte
	raw.Write(programMagic)
	binary.LittleEndian.PutUint16(scratch[:2], FormatVersion)
	raw.Write(scratch[:2])
	binary.LittleEndian.PutUint16(scratch[:2], flagZstd)
	raw.Write(scratch[:2])
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(compressed)))
	raw.Write(scratch[:4])
	raw.Write(compressed)

	if _, err := Decode(raw.Bytes()); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Decode() = %v, want ErrTooLarge", err)
	}
}

func TestNewRejectsEmptyProgram(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrEmptyProgram) {
		t.Errorf("New(nil) = %v, want ErrEmptyProgram", err)
	}
}

func TestNewRejectsInvalidOpcode(t *testing.T) {
	_, err := New([]Instruction{{Op: Op(0x7f)}})
	if !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("New() = %v, want ErrInvalidOpcode", err)
	}
}

// TestVerify covers the signature gate: valid signature passes, any
// corruption or malformed input fails closed.
func TestVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	trusted, err := types.PubkeyFromBytes(pub)
	if err != nil {
		t.Fatalf("PubkeyFromBytes() failed: %v", err)
	}

	program, err := New(testInstructions())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	sig, err := Sign(program, priv)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	if !Verify(program.Bytes(), sig, trusted) {
		t.Fatal("Verify() = false for a valid signature")
	}

	t.Run("corrupted signature byte", func(t *testing.T) {
		bad := sig
		bad[7] ^= 0x01
		if Verify(program.Bytes(), bad, trusted) {
			t.Error("Verify() = true for a corrupted signature")
		}
	})

	t.Run("corrupted program byte", func(t *testing.T) {
		bad := make([]byte, len(program.Bytes()))
		copy(bad, program.Bytes())
		bad[len(bad)-1] ^= 0x80
		if Verify(bad, sig, trusted) {
			t.Error("Verify() = true for corrupted program bytes")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("GenerateKey() failed: %v", err)
		}
		other, _ := types.PubkeyFromBytes(otherPub)
		if Verify(program.Bytes(), sig, other) {
			t.Error("Verify() = true under the wrong key")
		}
	})

	t.Run("empty program bytes", func(t *testing.T) {
		if Verify(nil, sig, trusted) {
			t.Error("Verify() = true for empty program bytes")
		}
	})

	t.Run("zero trusted key", func(t *testing.T) {
		if Verify(program.Bytes(), sig, types.Pubkey{}) {
			t.Error("Verify() = true under a zero key")
		}
	})
}

func TestAssemble(t *testing.T) {
	src := `
# protect the production key
enter
declare apiKey "sk-XYZ"
armor apiKey
read apiKey
emit "API key is protected"
exit
`
	program, err := Assemble(src)
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}

	wantOps := []Op{OpEnterScope, OpDeclare, OpArmor, OpRead, OpEmit, OpExitScope}
	if program.Len() != len(wantOps) {
		t.Fatalf("Len() = %d, want %d", program.Len(), len(wantOps))
	}
	for i, op := range wantOps {
		if program.Instructions[i].Op != op {
			t.Errorf("instruction %d op = %s, want %s", i, program.Instructions[i].Op, op)
		}
	}
	if got := program.Instructions[1]; got.Name != "apiKey" || string(got.Operand) != "sk-XYZ" {
		t.Errorf("declare = %+v, want apiKey/sk-XYZ", got)
	}
	if got := program.Instructions[4]; got.Name != "" || string(got.Operand) != "API key is protected" {
		t.Errorf("emit = %+v, want literal emit", got)
	}
}

func TestAssembleEmitVariable(t *testing.T) {
	program, err := Assemble(`declare x "1"` + "\n" + `emit x`)
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}
	if got := program.Instructions[1]; got.Name != "x" || got.Operand != nil {
		t.Errorf("emit = %+v, want variable emit of x", got)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown mnemonic", "pour x"},
		{"declare without value", "declare x"},
		{"unquoted literal", `declare x sk-XYZ`},
		{"bad variable name", `armor a b`},
		{"enter with argument", "enter now"},
		{"empty source", "# nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Assemble(tt.src); err == nil {
				t.Errorf("Assemble(%q) succeeded, want error", tt.src)
			}
		})
	}
}
