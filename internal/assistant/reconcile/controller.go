// Package reconcile tracks the backend's staged-edit state and issues the
// commands that resolve it: approve all, reject all, undo and redo.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/naamasharir/tlv500-assistant/internal/assistant/backend"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/session"
)

// ErrNoSheetSelected rejects bulk commands issued before a sheet is chosen.
var ErrNoSheetSelected = errors.New("reconcile: no sheet selected")

// viewportSettleDelay is how long to wait after a mutating command before
// signalling the sheet view to reload, giving the remote state time to settle.
const viewportSettleDelay = 500 * time.Millisecond

// Status is the cached staged-edit state.  PendingChanges counts edits
// awaiting approval or rejection.
type Status struct {
	CanUndo        bool
	CanRedo        bool
	PendingChanges int
}

// API is the slice of the backend client the controller drives.
type API interface {
	ActionStatus(ctx context.Context, sessionID string) (*backend.Status, error)
	ApproveAll(ctx context.Context, req backend.BulkRequest) (string, error)
	RejectAll(ctx context.Context, req backend.BulkRequest) (string, error)
	Undo(ctx context.Context, sessionID string) (*backend.StepResult, error)
	Redo(ctx context.Context, sessionID string) (*backend.StepResult, error)
}

// Controller caches staged-edit status and runs reconciliation commands.
// Commands are independent of the chat exchange lock: they may run while a
// chat reply is still streaming.
type Controller struct {
	api             API
	refreshViewport func()

	// schedule defers a call; replaced in tests to run synchronously.
	schedule func(d time.Duration, fn func())

	mu     sync.Mutex
	status Status
}

// New returns a controller.  refreshViewport is invoked (deferred) after
// every mutating command; pass nil when no sheet view is attached.
func New(api API, refreshViewport func()) *Controller {
	if refreshViewport == nil {
		refreshViewport = func() {}
	}
	return &Controller{
		api:             api,
		refreshViewport: refreshViewport,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Status returns the cached staged-edit state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RefreshStatus polls the backend and replaces the cached status.  A session
// without an identity has nothing staged, so the call is a silent no-op.
func (c *Controller) RefreshStatus(ctx context.Context, cs *session.ClientSession) error {
	if cs == nil || cs.ID == "" {
		return nil
	}
	st, err := c.api.ActionStatus(ctx, cs.ID)
	if err != nil {
		return fmt.Errorf("reconcile: refresh status: %w", err)
	}
	c.mu.Lock()
	c.status = Status{CanUndo: st.CanUndo, CanRedo: st.CanRedo, PendingChanges: st.ChangesCount}
	c.mu.Unlock()
	return nil
}

// ApproveAll commits every staged edit on the selected sheet, then refreshes
// the status and schedules a viewport reload.
func (c *Controller) ApproveAll(ctx context.Context, cs *session.ClientSession) (string, error) {
	return c.bulk(ctx, cs, "approve", c.api.ApproveAll)
}

// RejectAll discards every staged edit on the selected sheet, then refreshes
// the status and schedules a viewport reload.
func (c *Controller) RejectAll(ctx context.Context, cs *session.ClientSession) (string, error) {
	return c.bulk(ctx, cs, "reject", c.api.RejectAll)
}

func (c *Controller) bulk(ctx context.Context, cs *session.ClientSession, verb string,
	call func(context.Context, backend.BulkRequest) (string, error)) (string, error) {
	if cs == nil || cs.ID == "" {
		return "", nil
	}
	if !cs.SheetSelected() {
		return "", ErrNoSheetSelected
	}
	msg, err := call(ctx, backend.BulkRequest{
		SpreadsheetID:     cs.SpreadsheetID,
		SelectedSheetName: cs.SheetName,
		SheetID:           cs.SheetID,
		SessionID:         cs.ID,
	})
	if err != nil {
		return "", fmt.Errorf("reconcile: %s all: %w", verb, err)
	}
	if err := c.RefreshStatus(ctx, cs); err != nil {
		slog.Warn("status refresh after bulk action failed", "action", verb, "error", err)
	}
	c.schedule(viewportSettleDelay, c.refreshViewport)
	return msg, nil
}

// Undo reverts the most recent applied edit.  On success the cached
// CanUndo/CanRedo flags are overwritten with the server's values; on failure
// the cache is left untouched and the server's error text is returned.
func (c *Controller) Undo(ctx context.Context, cs *session.ClientSession) (string, error) {
	return c.step(ctx, cs, "undo", c.api.Undo)
}

// Redo re-applies the most recently undone edit, with the same status
// semantics as Undo.
func (c *Controller) Redo(ctx context.Context, cs *session.ClientSession) (string, error) {
	return c.step(ctx, cs, "redo", c.api.Redo)
}

func (c *Controller) step(ctx context.Context, cs *session.ClientSession, verb string,
	call func(context.Context, string) (*backend.StepResult, error)) (string, error) {
	if cs == nil || cs.ID == "" {
		return "", nil
	}
	res, err := call(ctx, cs.ID)
	if err != nil {
		return "", fmt.Errorf("reconcile: %s: %w", verb, err)
	}

	// The server's flags are authoritative, not a local recomputation.
	c.mu.Lock()
	c.status.CanUndo = res.CanUndo
	c.status.CanRedo = res.CanRedo
	c.mu.Unlock()

	c.schedule(viewportSettleDelay, c.refreshViewport)
	return res.Message, nil
}
