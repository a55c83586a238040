package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/naamasharir/tlv500-assistant/common/crypto"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/store"
)

// Repository loads and saves ClientSession state through the SQLite store,
// applying the per-field persistence policy documented on ClientSession.
type Repository struct {
	db        *store.Store
	masterKey []byte // nil disables credential persistence
}

// NewRepository creates a Repository.  masterKey may be nil, in which case
// the credential field is treated as ephemeral.
func NewRepository(db *store.Store, masterKey []byte) *Repository {
	return &Repository{db: db, masterKey: masterKey}
}

// Load restores the persisted session state and stamps it with a fresh
// conversation identity.  A database with no session row yields a zero
// session, not an error.
func (r *Repository) Load(ctx context.Context) (*ClientSession, error) {
	cs := &ClientSession{ID: NewID()}

	var credential []byte
	err := r.db.DB().QueryRowContext(ctx, `
		SELECT credential, spreadsheet_id, sheet_name, sheet_id
		FROM client_session WHERE id = 1
	`).Scan(&credential, &cs.SpreadsheetID, &cs.SheetName, &cs.SheetID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: load: %w", err)
	}

	// Extracted files live in their own table, so a missing session row
	// still falls through to loadFiles below.
	if err == nil && len(credential) > 0 && r.masterKey != nil {
		// A sealed credential we cannot open (rotated key, corrupt row)
		// degrades to "not logged in" rather than blocking startup.
		if plaintext, derr := crypto.Decrypt(r.masterKey, credential); derr == nil {
			cs.Credential = string(plaintext)
		}
	}

	files, err := r.loadFiles(ctx)
	if err != nil {
		return nil, err
	}
	cs.ExtractedFiles = files

	return cs, nil
}

// Save upserts the persisted fields of cs.  The conversation identity and
// transcript are intentionally not written.
func (r *Repository) Save(ctx context.Context, cs *ClientSession) error {
	var credential []byte
	if cs.Credential != "" && r.masterKey != nil {
		sealed, err := crypto.Encrypt(r.masterKey, []byte(cs.Credential))
		if err != nil {
			return fmt.Errorf("session: seal credential: %w", err)
		}
		credential = sealed
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO client_session (id, credential, spreadsheet_id, sheet_name, sheet_id, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			credential     = excluded.credential,
			spreadsheet_id = excluded.spreadsheet_id,
			sheet_name     = excluded.sheet_name,
			sheet_id       = excluded.sheet_id,
			updated_at     = excluded.updated_at
	`, credential, cs.SpreadsheetID, cs.SheetName, cs.SheetID, now)
	if err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// AddExtractedFile persists one document extraction and appends it to cs.
func (r *Repository) AddExtractedFile(ctx context.Context, cs *ClientSession, f ExtractedFile) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO extracted_files (kind, file_name, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, string(f.Kind), f.Name, f.Payload, now)
	if err != nil {
		return fmt.Errorf("session: add extracted file: %w", err)
	}
	cs.ExtractedFiles = append(cs.ExtractedFiles, f)
	return nil
}

// ClearExtractedFiles removes all persisted document extractions.
func (r *Repository) ClearExtractedFiles(ctx context.Context, cs *ClientSession) error {
	if _, err := r.db.DB().ExecContext(ctx, `DELETE FROM extracted_files`); err != nil {
		return fmt.Errorf("session: clear extracted files: %w", err)
	}
	cs.ExtractedFiles = nil
	return nil
}

func (r *Repository) loadFiles(ctx context.Context) ([]ExtractedFile, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT kind, file_name, payload FROM extracted_files ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("session: load extracted files: %w", err)
	}
	defer rows.Close()

	var files []ExtractedFile
	for rows.Next() {
		var f ExtractedFile
		var kind string
		if err := rows.Scan(&kind, &f.Name, &f.Payload); err != nil {
			return nil, fmt.Errorf("session: scan extracted file: %w", err)
		}
		f.Kind = FileKind(kind)
		files = append(files, f)
	}
	return files, rows.Err()
}
