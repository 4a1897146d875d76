package crypto

import "testing"

func TestSigner_ExecutionReceiptIntegrity(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	sig, err := signer.SignExecutionReceipt("exec_1", "reagent:acme.thing:1.0.0", "completed", "outhash", "prevhash", 3)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if sig == "" {
		t.Fatal("signature empty")
	}

	valid, err := VerifyExecutionReceipt(signer.PublicKey(), sig, "exec_1", "reagent:acme.thing:1.0.0", "completed", "outhash", "prevhash", 3)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("valid receipt rejected")
	}

	valid, _ = VerifyExecutionReceipt(signer.PublicKey(), sig, "exec_1", "reagent:acme.thing:1.0.0", "completed", "outhash", "prevhash", 4)
	if valid {
		t.Error("tampered lamport clock accepted")
	}
}
