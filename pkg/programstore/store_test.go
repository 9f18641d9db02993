package programstore

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"testing"

	"github.com/project-ai/tarl/internal/types"
	"github.com/project-ai/tarl/pkg/bytecode"
)

func openTestStore(t *testing.T) (*Store, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	trusted, err := types.PubkeyFromBytes(pub)
	if err != nil {
		t.Fatalf("PubkeyFromBytes() failed: %v", err)
	}

	s, err := Open(Config{InMemory: true}, trusted)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, priv
}

func signedProgram(t *testing.T, priv ed25519.PrivateKey, src string) (*bytecode.Program, types.Signature) {
	t.Helper()
	program, err := bytecode.Assemble(src)
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}
	sig, err := bytecode.Sign(program, priv)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}
	return program, sig
}

func TestPutGetRoundTrip(t *testing.T) {
	s, priv := openTestStore(t)
	program, sig := signedProgram(t, priv, `
declare apiKey "sk-XYZ"
armor apiKey
`)

	digest, err := s.Put(program, sig)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if digest != program.Digest() {
		t.Errorf("Put() digest = %s, want %s", digest, program.Digest())
	}

	got, gotSig, err := s.Get(digest)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got.Bytes(), program.Bytes()) {
		t.Error("stored container bytes differ")
	}
	if gotSig != sig {
		t.Error("stored signature differs")
	}

	ok, err := s.Has(digest)
	if err != nil || !ok {
		t.Errorf("Has() = %v, %v, want true, nil", ok, err)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Count())
	}
}

func TestPutRejectsBadSignature(t *testing.T) {
	s, priv := openTestStore(t)
	program, sig := signedProgram(t, priv, `declare x "1"`)

	bad := sig
	bad[13] ^= 0x40
	if _, err := s.Put(program, bad); !errors.Is(err, ErrRejected) {
		t.Fatalf("Put() with corrupted signature = %v, want ErrRejected", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d after rejected Put, want 0", s.Count())
	}
}

func TestPutRejectsForeignAuthority(t *testing.T) {
	s, _ := openTestStore(t)

	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	program, sig := signedProgram(t, otherPriv, `declare x "1"`)

	if _, err := s.Put(program, sig); !errors.Is(err, ErrRejected) {
		t.Errorf("Put() under foreign authority = %v, want ErrRejected", err)
	}
}

func TestPutSameDigestTwice(t *testing.T) {
	s, priv := openTestStore(t)
	program, sig := signedProgram(t, priv, `declare x "1"`)

	if _, err := s.Put(program, sig); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := s.Put(program, sig); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d after duplicate Put, want 1", s.Count())
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := openTestStore(t)

	var digest types.Digest
	digest[0] = 0xaa
	if _, _, err := s.Get(digest); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("Get() = %v, want ErrProgramNotFound", err)
	}
	ok, err := s.Has(digest)
	if err != nil || ok {
		t.Errorf("Has() = %v, %v, want false, nil", ok, err)
	}
}

func TestDigestsIteration(t *testing.T) {
	s, priv := openTestStore(t)

	want := make(map[types.Digest]bool)
	for i := 0; i < 4; i++ {
		program, sig := signedProgram(t, priv, fmt.Sprintf(`declare v%d "value"`, i))
		digest, err := s.Put(program, sig)
		if err != nil {
			t.Fatalf("Put() %d failed: %v", i, err)
		}
		want[digest] = true
	}

	seen := make(map[types.Digest]bool)
	err := s.Digests(func(d types.Digest) bool {
		seen[d] = true
		return true
	})
	if err != nil {
		t.Fatalf("Digests() failed: %v", err)
	}
	if len(seen) != len(want) {
		t.Fatalf("Digests() visited %d, want %d", len(seen), len(want))
	}
	for d := range want {
		if !seen[d] {
			t.Errorf("digest %s missing from iteration", d)
		}
	}

	// Early stop.
	count := 0
	err = s.Digests(func(types.Digest) bool {
		count++
		return false
	})
	if err != nil {
		t.Fatalf("Digests() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("early-stop Digests() visited %d, want 1", count)
	}
}

func TestOpenRejectsZeroAuthority(t *testing.T) {
	if _, err := Open(Config{InMemory: true}, types.Pubkey{}); err == nil {
		t.Fatal("Open() with zero authority key succeeded")
	}
}

func TestClosedStore(t *testing.T) {
	s, priv := openTestStore(t)
	program, sig := signedProgram(t, priv, `declare x "1"`)
	digest, err := s.Put(program, sig)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}

	if _, err := s.Put(program, sig); !errors.Is(err, ErrClosed) {
		t.Errorf("Put() after Close = %v, want ErrClosed", err)
	}
	if _, _, err := s.Get(digest); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Has(digest); !errors.Is(err, ErrClosed) {
		t.Errorf("Has() after Close = %v, want ErrClosed", err)
	}
	if err := s.Digests(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Digests() after Close = %v, want ErrClosed", err)
	}
}
