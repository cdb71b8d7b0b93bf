package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := os.Stat(priv); err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key %q", pub)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if got := signer.PublicKey().Type(); got != "ssh-ed25519" {
		t.Fatalf("key type %s", got)
	}
}

func TestMakeConfigRequiresSignerAndHostKeys(t *testing.T) {
	c := &Client{Addr: "127.0.0.1:22", User: "fleet"}
	if _, err := c.makeConfig(); err == nil {
		t.Fatalf("expected error without signer")
	}
	priv := filepath.Join(t.TempDir(), "id_ed25519")
	if _, err := GenerateEd25519Keypair(priv); err != nil {
		t.Fatalf("generate: %v", err)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Signer = signer
	if _, err := c.makeConfig(); err == nil {
		t.Fatalf("expected error without known hosts callback")
	}
}
