// tarlvm: the TARL secret-isolation virtual machine.
//
// tarlvm executes signed TARL programs in an isolated VM where protected
// variables are sealed in memory and armored variables cannot be mutated or
// revealed. It also carries the authority-side tooling: key generation,
// program assembly, and signing.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/project-ai/tarl/internal/types"
	"github.com/project-ai/tarl/pkg/audit"
	"github.com/project-ai/tarl/pkg/bytecode"
	"github.com/project-ai/tarl/pkg/keystore"
	"github.com/project-ai/tarl/pkg/kms"
	"github.com/project-ai/tarl/pkg/programstore"
	"github.com/project-ai/tarl/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	keygen      = flag.Bool("keygen", false, "Generate an authority keypair and exit")
	signProgram = flag.Bool("sign", false, "Assemble and sign a program, then exit")
	signingKey  = flag.String("signing-key", "", "Path to the authority private key (keygen output)")

	programPath = flag.String("program", "", "Program file: .tasm source for -sign, signed container otherwise")
	sigPath     = flag.String("sig", "", "Detached signature file (default: program path + .sig)")
	pubkeyStr   = flag.String("pubkey", "", "Trusted authority public key (base58)")

	intent      = flag.String("intent", "", "Audit label: intent")
	scopeLabel  = flag.String("scope", "", "Audit label: scope")
	authority   = flag.String("authority", "", "Audit label: authority")
	constraints = flag.String("constraints", "", "Audit labels: comma-separated constraints")

	auditPath = flag.String("audit", "", "Audit journal path (empty = no journal)")
	storeDir  = flag.String("store", "", "Verified-program archive directory (empty = no archive)")

	kmsEndpoint = flag.String("kms-endpoint", "", "Key service gRPC endpoint (empty = local key)")
	kmsKeyID    = flag.String("kms-key-id", "", "Key identifier to request from the key service")
	kmsToken    = flag.String("kms-token", "", "Key service auth token")
	kmsPlain    = flag.Bool("kms-insecure", false, "Disable TLS to the key service")

	timeout     = flag.Duration("timeout", 0, "Abort execution after this duration (0 = none)")
	noHarden    = flag.Bool("no-harden", false, "Skip process hardening (core dump suppression)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tarlvm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	var err error
	switch {
	case *keygen:
		err = runKeygen()
	case *signProgram:
		err = runSign()
	default:
		err = runProgram()
	}
	if err != nil {
		log.Fatalf("tarlvm: %v", err)
	}
}

// runKeygen generates an authority keypair. The private key file is seed
// bytes, created 0600; the public key prints in base58 for -pubkey.
func runKeygen() error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	out := *signingKey
	if out == "" {
		out = "tarl-authority.key"
	}
	if err := os.WriteFile(out, priv.Seed(), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	fmt.Printf("authority public key: %s\n", base58.Encode(pub))
	fmt.Printf("private key written to %s\n", out)
	return nil
}

// runSign assembles a .tasm source file into a program container and writes
// the container plus its detached signature.
func runSign() error {
	if *programPath == "" {
		return errors.New("-sign requires -program")
	}
	if *signingKey == "" {
		return errors.New("-sign requires -signing-key")
	}

	seed, err := os.ReadFile(*signingKey)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("signing key must be %d seed bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	src, err := os.ReadFile(*programPath)
	if err != nil {
		return fmt.Errorf("read program source: %w", err)
	}
	program, err := bytecode.Assemble(string(src))
	if err != nil {
		return fmt.Errorf("assemble: %w", err)
	}
	sig, err := bytecode.Sign(program, priv)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	containerOut := strings.TrimSuffix(*programPath, ".tasm") + ".tarl"
	if err := os.WriteFile(containerOut, program.Bytes(), 0644); err != nil {
		return fmt.Errorf("write container: %w", err)
	}
	if err := os.WriteFile(containerOut+".sig", sig.Bytes(), 0644); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}

	fmt.Printf("program: %s (%d instructions)\n", containerOut, program.Len())
	fmt.Printf("digest:  %s\n", program.Digest())
	fmt.Printf("sig:     %s\n", containerOut+".sig")
	return nil
}

// runProgram loads a signed container and executes it in a fresh VM instance.
func runProgram() error {
	if *programPath == "" {
		return errors.New("-program is required")
	}
	if *pubkeyStr == "" {
		return errors.New("-pubkey is required")
	}
	trusted, err := types.PubkeyFromBase58(*pubkeyStr)
	if err != nil {
		return fmt.Errorf("parse -pubkey: %w", err)
	}

	if !*noHarden {
		if err := keystore.HardenProcess(); err != nil {
			log.Printf("process hardening unavailable: %v", err)
		}
	}

	raw, err := os.ReadFile(*programPath)
	if err != nil {
		return fmt.Errorf("read program: %w", err)
	}
	program, err := bytecode.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode program: %w", err)
	}

	sigFile := *sigPath
	if sigFile == "" {
		sigFile = *programPath + ".sig"
	}
	sigRaw, err := os.ReadFile(sigFile)
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}
	sig, err := types.SignatureFromBytes(sigRaw)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	// Reporting and archival collaborators.
	var reporter vm.Reporter = vm.NopReporter{}
	if *auditPath != "" {
		journal, err := audit.Open(audit.DefaultConfig(*auditPath))
		if err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		defer journal.Close()
		reporter = journal
	}

	if *storeDir != "" {
		store, err := programstore.Open(programstore.DefaultConfig(*storeDir), trusted)
		if err != nil {
			return fmt.Errorf("open program store: %w", err)
		}
		defer store.Close()
		if digest, err := store.Put(program, sig); err != nil {
			log.Printf("archive rejected program: %v", err)
		} else {
			log.Printf("archived program %s", digest)
		}
	}

	// Key provisioning.
	ctx := context.Background()
	var provider kms.Provider = kms.LocalProvider{}
	if *kmsEndpoint != "" {
		client := kms.NewClient(kms.Config{
			Endpoint: *kmsEndpoint,
			KeyID:    *kmsKeyID,
			Token:    *kmsToken,
			UseTLS:   !*kmsPlain,
			Timeout:  10 * time.Second,
		})
		defer client.Close()
		provider = client
	}
	key, err := provider.ProvisionKey(ctx)
	if err != nil {
		return fmt.Errorf("provision key: %w", err)
	}

	cfg := vm.Config{
		Intent:    *intent,
		Scope:     *scopeLabel,
		Authority: *authority,
	}
	if *constraints != "" {
		cfg.Constraints = strings.Split(*constraints, ",")
	}

	instance, err := vm.New(cfg, trusted, key, reporter)
	if err != nil {
		return fmt.Errorf("construct vm: %w", err)
	}
	defer instance.Teardown()

	if *timeout > 0 {
		timer := time.AfterFunc(*timeout, instance.Abort)
		defer timer.Stop()
	}

	log.Printf("loading program %s (%d instructions)", program.Digest(), program.Len())
	if err := instance.LoadAndVerify(program, sig); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	emitted, err := instance.Execute()
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	log.Printf("halted ok: %d instructions, %d emitted values",
		instance.InstructionsExecuted(), len(emitted))
	for _, v := range emitted {
		fmt.Println(v.String())
	}
	return nil
}
