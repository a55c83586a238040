// Package session models the client session: the logical conversation
// identity used to correlate every backend call, plus the slow-changing
// client state around it (credential, sheet selection, extracted files).
//
// Each field of ClientSession has a declared persistence policy, enforced by
// Repository:
//
//   - ID (conversation identity): ephemeral.  A fresh one is generated on
//     every new chat, login, and logout; it is never written to disk.
//   - Credential: persisted, AES-GCM sealed with the master key.  When no
//     master key is configured the credential is simply not persisted.
//   - Spreadsheet/sheet selection: persisted plaintext.
//   - Extracted-file payloads: persisted plaintext.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoCredential is returned by operations that require a provider bearer
// token when none is present.  Callers abort before issuing any request.
var ErrNoCredential = errors.New("session: no credential")

// NewID generates a fresh conversation identity.  The format matches what
// the backend's session storage keys on: a "session_" prefix, the creation
// time in unix milliseconds, and a short random suffix.
func NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), suffix)
}

// FileKind classifies an extracted document payload.
type FileKind string

const (
	FilePDF   FileKind = "pdf"
	FileExcel FileKind = "excel"
)

// ExtractedFile is the text extraction of one uploaded document, kept so the
// assistant can keep answering questions about it across restarts.
type ExtractedFile struct {
	Kind    FileKind
	Name    string
	Payload string
}

// ClientSession is the explicit session value object injected into every
// component that needs credential or selection state.  Components never read
// ambient storage themselves.
type ClientSession struct {
	// ID is the conversation correlation key sent with every backend call.
	ID string

	// Credential is the spreadsheet-provider bearer token.
	Credential string

	// SpreadsheetID, SheetName and SheetID identify the current selection.
	// SheetID is the provider's numeric sheet id, needed by approve/reject.
	SpreadsheetID string
	SheetName     string
	SheetID       int64

	// ExtractedFiles holds document extractions uploaded this session or
	// restored from the store.
	ExtractedFiles []ExtractedFile
}

// HasCredential reports whether a bearer token is available.
func (c *ClientSession) HasCredential() bool {
	return c != nil && c.Credential != ""
}

// SheetSelected reports whether a concrete sheet has been chosen.
func (c *ClientSession) SheetSelected() bool {
	return c != nil && c.SpreadsheetID != "" && c.SheetName != ""
}

// Reset replaces the conversation identity, leaving the persisted fields
// (credential, selection, files) untouched.  Used for "new chat".
func (c *ClientSession) Reset() {
	c.ID = NewID()
}
