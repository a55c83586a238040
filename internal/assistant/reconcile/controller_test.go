package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/naamasharir/tlv500-assistant/internal/assistant/backend"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/session"
)

// fakeAPI records calls and plays back canned responses.
type fakeAPI struct {
	statusCalls int
	status      backend.Status
	statusErr   error

	bulkReq backend.BulkRequest
	bulkMsg string
	bulkErr error

	stepSession string
	stepResult  *backend.StepResult
	stepErr     error
}

func (f *fakeAPI) ActionStatus(ctx context.Context, sessionID string) (*backend.Status, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func (f *fakeAPI) ApproveAll(ctx context.Context, req backend.BulkRequest) (string, error) {
	f.bulkReq = req
	return f.bulkMsg, f.bulkErr
}

func (f *fakeAPI) RejectAll(ctx context.Context, req backend.BulkRequest) (string, error) {
	f.bulkReq = req
	return f.bulkMsg, f.bulkErr
}

func (f *fakeAPI) Undo(ctx context.Context, sessionID string) (*backend.StepResult, error) {
	f.stepSession = sessionID
	return f.stepResult, f.stepErr
}

func (f *fakeAPI) Redo(ctx context.Context, sessionID string) (*backend.StepResult, error) {
	f.stepSession = sessionID
	return f.stepResult, f.stepErr
}

// testController wires a controller with a synchronous scheduler so deferred
// viewport refreshes run inline.
func testController(api API) (*Controller, *int, *time.Duration) {
	refreshes := 0
	var delay time.Duration
	c := New(api, func() { refreshes++ })
	c.schedule = func(d time.Duration, fn func()) {
		delay = d
		fn()
	}
	return c, &refreshes, &delay
}

func selectedSession() *session.ClientSession {
	return &session.ClientSession{
		ID:            "session_1_abc",
		SpreadsheetID: "sheet-doc-1",
		SheetName:     "Q1",
		SheetID:       42,
	}
}

// TestCommandsNoopWithoutIdentity verifies every command is silent without a
// session id: no backend call, no error, no viewport refresh.
func TestCommandsNoopWithoutIdentity(t *testing.T) {
	api := &fakeAPI{}
	c, refreshes, _ := testController(api)
	cs := &session.ClientSession{}

	if err := c.RefreshStatus(context.Background(), cs); err != nil {
		t.Errorf("RefreshStatus: %v", err)
	}
	if _, err := c.ApproveAll(context.Background(), cs); err != nil {
		t.Errorf("ApproveAll: %v", err)
	}
	if _, err := c.Undo(context.Background(), cs); err != nil {
		t.Errorf("Undo: %v", err)
	}
	if api.statusCalls != 0 || api.stepSession != "" {
		t.Error("backend was called without a session identity")
	}
	if *refreshes != 0 {
		t.Error("viewport refreshed without a session identity")
	}
}

// TestRefreshStatus verifies the cache is replaced from the backend.
func TestRefreshStatus(t *testing.T) {
	api := &fakeAPI{status: backend.Status{CanUndo: true, ChangesCount: 3}}
	c, _, _ := testController(api)

	if err := c.RefreshStatus(context.Background(), selectedSession()); err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	st := c.Status()
	if !st.CanUndo || st.CanRedo || st.PendingChanges != 3 {
		t.Errorf("status = %+v", st)
	}
}

// TestBulkRequiresSheetSelection verifies approve/reject demand a full sheet
// identity before any backend call.
func TestBulkRequiresSheetSelection(t *testing.T) {
	api := &fakeAPI{}
	c, _, _ := testController(api)
	cs := &session.ClientSession{ID: "session_1_abc"}

	if _, err := c.ApproveAll(context.Background(), cs); !errors.Is(err, ErrNoSheetSelected) {
		t.Errorf("ApproveAll: expected ErrNoSheetSelected, got %v", err)
	}
	if _, err := c.RejectAll(context.Background(), cs); !errors.Is(err, ErrNoSheetSelected) {
		t.Errorf("RejectAll: expected ErrNoSheetSelected, got %v", err)
	}
	if api.bulkReq.SessionID != "" {
		t.Error("bulk endpoint called without a sheet selection")
	}
}

// TestApproveAll verifies the request shape, the follow-up status refresh
// and the deferred viewport reload.
func TestApproveAll(t *testing.T) {
	api := &fakeAPI{bulkMsg: "all approved", status: backend.Status{ChangesCount: 0}}
	c, refreshes, delay := testController(api)

	msg, err := c.ApproveAll(context.Background(), selectedSession())
	if err != nil {
		t.Fatalf("ApproveAll: %v", err)
	}
	if msg != "all approved" {
		t.Errorf("message = %q", msg)
	}
	want := backend.BulkRequest{
		SpreadsheetID:     "sheet-doc-1",
		SelectedSheetName: "Q1",
		SheetID:           42,
		SessionID:         "session_1_abc",
	}
	if api.bulkReq != want {
		t.Errorf("request = %+v, want %+v", api.bulkReq, want)
	}
	if api.statusCalls != 1 {
		t.Errorf("status refreshed %d times, want 1", api.statusCalls)
	}
	if *refreshes != 1 {
		t.Errorf("viewport refreshed %d times, want 1", *refreshes)
	}
	if *delay != viewportSettleDelay {
		t.Errorf("refresh delay = %v, want %v", *delay, viewportSettleDelay)
	}
}

// TestUndoAdoptsServerFlags verifies CanUndo/CanRedo come verbatim from the
// response, not from a local guess.
func TestUndoAdoptsServerFlags(t *testing.T) {
	api := &fakeAPI{stepResult: &backend.StepResult{CanUndo: false, CanRedo: true, Message: "בוטל"}}
	c, refreshes, _ := testController(api)
	// Seed an opposite cache so adoption is observable.
	c.status = Status{CanUndo: true, CanRedo: false, PendingChanges: 5}

	msg, err := c.Undo(context.Background(), selectedSession())
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if msg != "בוטל" {
		t.Errorf("message = %q", msg)
	}
	st := c.Status()
	if st.CanUndo || !st.CanRedo {
		t.Errorf("flags = %+v, want server values", st)
	}
	if st.PendingChanges != 5 {
		t.Errorf("PendingChanges = %d, undo must not touch it", st.PendingChanges)
	}
	if *refreshes != 1 {
		t.Errorf("viewport refreshed %d times, want 1", *refreshes)
	}
}

// TestUndoFailureKeepsStatus verifies a failed step leaves the cache alone
// and surfaces the server error.
func TestUndoFailureKeepsStatus(t *testing.T) {
	api := &fakeAPI{stepErr: &backend.APIError{Status: 409, Message: "nothing to undo"}}
	c, refreshes, _ := testController(api)
	c.status = Status{CanUndo: true, CanRedo: true}

	_, err := c.Undo(context.Background(), selectedSession())
	if !errors.Is(err, backend.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if st := c.Status(); !st.CanUndo || !st.CanRedo {
		t.Errorf("status mutated on failure: %+v", st)
	}
	if *refreshes != 0 {
		t.Error("viewport refreshed after a failed undo")
	}
}

// TestRedo verifies the redo path shares the undo semantics.
func TestRedo(t *testing.T) {
	api := &fakeAPI{stepResult: &backend.StepResult{CanUndo: true, CanRedo: false, Message: "הוחזר"}}
	c, _, _ := testController(api)

	msg, err := c.Redo(context.Background(), selectedSession())
	if err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if msg != "הוחזר" {
		t.Errorf("message = %q", msg)
	}
	if st := c.Status(); !st.CanUndo || st.CanRedo {
		t.Errorf("flags = %+v", st)
	}
	if api.stepSession != "session_1_abc" {
		t.Errorf("session = %q", api.stepSession)
	}
}
