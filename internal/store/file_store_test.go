package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"sealchat/internal/domain"
	"sealchat/internal/store"
)

func TestWrappedKey_SaveLoad_OK(t *testing.T) {
	home := t.TempDir()

	var ks domain.WrappedKeyStore = store.NewWrappedKeyFileStore(home)

	blob := domain.WrappedPrivateKey{
		Identity:   "alice",
		Format:     domain.WrapFormatAEAD,
		KDF:        domain.KDFPBKDF2SHA256,
		Iterations: 1000,
		Salt:       []byte("0123456789abcdef"),
		Nonce:      []byte("0123456789ab"),
		Ciphertext: []byte{1, 2, 3},
	}

	if err := ks.SaveWrappedKey(blob); err != nil {
		t.Fatalf("save wrapped key: %v", err)
	}

	got, ok, err := ks.LoadWrappedKey()
	if err != nil {
		t.Fatalf("load wrapped key: %v", err)
	}
	if !ok {
		t.Fatal("expected key material")
	}
	if got.Format != blob.Format || got.Iterations != blob.Iterations || string(got.Ciphertext) != string(blob.Ciphertext) {
		t.Fatalf("mismatch after load: %+v", got)
	}

	info, err := os.Stat(filepath.Join(home, "private_key.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestWrappedKey_Missing_NotOK(t *testing.T) {
	ks := store.NewWrappedKeyFileStore(t.TempDir())
	_, ok, err := ks.LoadWrappedKey()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected no key material in empty home")
	}
}

func TestWrappedKey_Corrupt_Fails(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "private_key.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.NewWrappedKeyFileStore(home).LoadWrappedKey(); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}

func TestBoltMembers_SaveLoadReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.db")

	c, err := store.OpenBoltMembershipCache(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok, err := c.LoadMembers("lobby"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	if err := c.SaveMembers("lobby", []domain.Identity{"alice", "bob"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err = store.OpenBoltMembershipCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()

	got, ok, err := c.LoadMembers("lobby")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("members = %v", got)
	}
}
