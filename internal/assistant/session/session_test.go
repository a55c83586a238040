package session_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/naamasharir/tlv500-assistant/common/crypto"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/session"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/store"
)

func newTestRepo(t *testing.T, masterKey []byte) *session.Repository {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "tlv500-session-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return session.NewRepository(s, masterKey)
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	return key
}

// TestNewID verifies the conversation identity format and uniqueness.
func TestNewID(t *testing.T) {
	a := session.NewID()
	b := session.NewID()

	if !strings.HasPrefix(a, "session_") {
		t.Errorf("id %q missing session_ prefix", a)
	}
	if a == b {
		t.Errorf("two generated ids are identical: %q", a)
	}
	if parts := strings.Split(a, "_"); len(parts) != 3 {
		t.Errorf("id %q does not have three underscore-separated parts", a)
	}
}

// TestLoadFreshDatabase verifies that an empty store yields a usable zero
// session with a fresh identity, not an error.
func TestLoadFreshDatabase(t *testing.T) {
	repo := newTestRepo(t, testKey(t))

	cs, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cs.ID == "" {
		t.Error("loaded session has no identity")
	}
	if cs.HasCredential() {
		t.Error("fresh session should have no credential")
	}
	if cs.SheetSelected() {
		t.Error("fresh session should have no sheet selection")
	}
}

// TestSaveLoadRoundtrip verifies that persisted fields survive a save/load
// cycle while the conversation identity is regenerated.
func TestSaveLoadRoundtrip(t *testing.T) {
	repo := newTestRepo(t, testKey(t))
	ctx := context.Background()

	cs := &session.ClientSession{
		ID:            session.NewID(),
		Credential:    "ya29.test-bearer-token",
		SpreadsheetID: "1AbC_dEf",
		SheetName:     "Q3",
		SheetID:       314159,
	}
	if err := repo.Save(ctx, cs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Credential != cs.Credential {
		t.Errorf("credential = %q, want %q", loaded.Credential, cs.Credential)
	}
	if loaded.SpreadsheetID != cs.SpreadsheetID || loaded.SheetName != cs.SheetName || loaded.SheetID != cs.SheetID {
		t.Errorf("selection = %q/%q/%d, want %q/%q/%d",
			loaded.SpreadsheetID, loaded.SheetName, loaded.SheetID,
			cs.SpreadsheetID, cs.SheetName, cs.SheetID)
	}
	if loaded.ID == cs.ID {
		t.Error("conversation identity must not be persisted")
	}
}

// TestCredentialSealedAtRest verifies that the raw bearer token never appears
// in the stored blob.
func TestCredentialSealedAtRest(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "tlv500-session-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	repo := session.NewRepository(s, testKey(t))
	ctx := context.Background()

	const token = "ya29.very-secret-token-value"
	if err := repo.Save(ctx, &session.ClientSession{ID: session.NewID(), Credential: token}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var blob []byte
	if err := s.DB().QueryRow("SELECT credential FROM client_session WHERE id = 1").Scan(&blob); err != nil {
		t.Fatalf("read credential blob: %v", err)
	}
	if strings.Contains(string(blob), token) {
		t.Error("credential stored in plaintext")
	}
	if len(blob) == 0 {
		t.Error("credential blob empty; expected sealed ciphertext")
	}
}

// TestNoMasterKeyDisablesCredentialPersistence verifies the degraded policy:
// without a master key the credential is simply not written.
func TestNoMasterKeyDisablesCredentialPersistence(t *testing.T) {
	repo := newTestRepo(t, nil)
	ctx := context.Background()

	cs := &session.ClientSession{ID: session.NewID(), Credential: "ya29.ephemeral"}
	if err := repo.Save(ctx, cs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.HasCredential() {
		t.Errorf("credential should not persist without a master key, got %q", loaded.Credential)
	}
}

// TestExtractedFilesPersist verifies the plaintext persistence policy for
// document extractions.
func TestExtractedFilesPersist(t *testing.T) {
	repo := newTestRepo(t, testKey(t))
	ctx := context.Background()

	cs, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	file := session.ExtractedFile{Kind: session.FilePDF, Name: "report.pdf", Payload: "EBITDA 2024: 4.2M"}
	if err := repo.AddExtractedFile(ctx, cs, file); err != nil {
		t.Fatalf("AddExtractedFile: %v", err)
	}
	if len(cs.ExtractedFiles) != 1 {
		t.Fatalf("in-memory session has %d files, want 1", len(cs.ExtractedFiles))
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded.ExtractedFiles) != 1 || loaded.ExtractedFiles[0].Payload != file.Payload {
		t.Errorf("reloaded files = %+v, want one file with payload %q", loaded.ExtractedFiles, file.Payload)
	}

	if err := repo.ClearExtractedFiles(ctx, loaded); err != nil {
		t.Fatalf("ClearExtractedFiles: %v", err)
	}
	final, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("final reload: %v", err)
	}
	if len(final.ExtractedFiles) != 0 {
		t.Errorf("files remain after clear: %+v", final.ExtractedFiles)
	}
}

// TestResetReplacesIdentityOnly verifies that a new chat keeps the persisted
// fields and only swaps the correlation key.
func TestResetReplacesIdentityOnly(t *testing.T) {
	cs := &session.ClientSession{
		ID:            session.NewID(),
		Credential:    "token",
		SpreadsheetID: "abc",
		SheetName:     "Data",
	}
	old := cs.ID
	cs.Reset()

	if cs.ID == old {
		t.Error("Reset did not replace the identity")
	}
	if cs.Credential != "token" || cs.SpreadsheetID != "abc" || cs.SheetName != "Data" {
		t.Error("Reset must not touch persisted fields")
	}
}
