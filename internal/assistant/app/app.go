// Package app wires the assistant together and owns its control flow: chat
// exchanges, sheet selection and analysis, change-plan execution and
// staged-edit reconciliation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/naamasharir/tlv500-assistant/common/redact"
	"github.com/naamasharir/tlv500-assistant/common/trace"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/backend"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/chat"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/plan"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/reconcile"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/session"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/sheets"
)

// ErrNoSheetSelected rejects a question when a spreadsheet is loaded but no
// concrete sheet has been chosen yet.
var ErrNoSheetSelected = errors.New("app: no sheet selected")

const greeting = "שלום! אני העוזר החכם TLV500. התחבר לחשבון Google ובחר גיליון כדי להתחיל."

// Fixed settle delays after which remote state is assumed to have converged.
const (
	statusSettleDelay = 1 * time.Second
	selectSettleDelay = 2 * time.Second
	chatRefreshDelay  = 800 * time.Millisecond
	planRefreshDelay  = 1 * time.Second
)

// undoRedoKeywords mark chat questions that mutate sheet state through the
// model itself; the viewport is refreshed after such an exchange.
var undoRedoKeywords = []string{"בטל", "undo", "שחזר", "redo", "בטל פעולה", "שחזר פעולה"}

// BackendAPI is the slice of the backend client the orchestrator drives.
type BackendAPI interface {
	AnalyzeSheet(ctx context.Context, grid sheets.Grid, sheetName, sessionID string) (*backend.AnalyzeResult, error)
	ChatStream(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
	ExecuteChangePlan(ctx context.Context, req backend.ExecuteRequest) (io.ReadCloser, error)
}

// SheetAPI is the slice of the provider client the orchestrator drives.
type SheetAPI interface {
	sheets.RangeReader
	ListSheets(ctx context.Context, credential, spreadsheetID string) ([]sheets.SheetInfo, error)
}

// Options configures an App.
type Options struct {
	Backend   BackendAPI
	Sheets    SheetAPI
	Reconcile *reconcile.Controller

	// Repo persists the client session across restarts.  Nil disables
	// persistence.
	Repo *session.Repository

	// Session overrides the restored session.  Nil loads from Repo, or
	// starts a fresh session when Repo is nil.
	Session *session.ClientSession

	// RefreshViewport forces the sheet view to reload.  Nil when no view
	// is attached.
	RefreshViewport func()

	// Schedule defers a call.  Nil uses time.AfterFunc.
	Schedule func(d time.Duration, fn func())
}

// App owns the conversation transcript and orchestrates every user-facing
// operation.
type App struct {
	backend  BackendAPI
	provider SheetAPI
	recon    *reconcile.Controller
	repo     *session.Repository
	cs       *session.ClientSession

	log      *chat.Log
	stream   *chat.StreamController
	workflow *plan.Workflow
	snapshot *sheets.Builder

	refreshViewport func()
	schedule        func(d time.Duration, fn func())

	sheetsMeta        []sheets.SheetInfo
	sheetInstructions string
	sheetAnalysis     string

	// AgentMode and SignificantChange are the two chat mode toggles sent
	// with every exchange.
	AgentMode         bool
	SignificantChange bool
}

// New builds an App, restoring the persisted session when a repository is
// available, and opens the transcript with the greeting.
func New(ctx context.Context, opts Options) (*App, error) {
	cs := opts.Session
	if cs == nil && opts.Repo != nil {
		loaded, err := opts.Repo.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load session: %w", err)
		}
		cs = loaded
	}
	if cs == nil {
		cs = &session.ClientSession{ID: session.NewID()}
	}

	refresh := opts.RefreshViewport
	if refresh == nil {
		refresh = func() {}
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}

	a := &App{
		backend:         opts.Backend,
		provider:        opts.Sheets,
		recon:           opts.Reconcile,
		repo:            opts.Repo,
		cs:              cs,
		log:             chat.NewLog(),
		stream:          &chat.StreamController{},
		refreshViewport: refresh,
		schedule:        schedule,
	}
	a.snapshot = sheets.NewBuilder(opts.Sheets, a.systemNotice)
	a.workflow = plan.NewWorkflow(a.executePlan)
	a.stream.DescribeErr = a.describeErr

	a.log.Append(chat.NewMessage(chat.SenderAssistant, greeting))
	return a, nil
}

// Transcript returns the current conversation.
func (a *App) Transcript() chat.Transcript { return a.log.Snapshot() }

// Session returns the live client session.
func (a *App) Session() *session.ClientSession { return a.cs }

// Plan returns the change-plan workflow.
func (a *App) Plan() *plan.Workflow { return a.workflow }

// Reconcile returns the staged-edit controller.
func (a *App) Reconcile() *reconcile.Controller { return a.recon }

func (a *App) systemNotice(text string) {
	a.log.Append(chat.NewMessage(chat.SenderSystem, text))
}

// describeErr renders an error for the transcript.  Provider and backend
// error bodies sometimes echo the request back, so the bearer token is
// stripped before the text is shown or logged.
func (a *App) describeErr(err error) string {
	return redact.String(err.Error(), a.cs.Credential)
}

// Ask runs one chat exchange: validate, snapshot the selected sheet, stream
// the reply into the transcript, then inspect the finalized reply for a
// change plan.  A reconciliation status check is scheduled after the
// exchange regardless of its outcome.
func (a *App) Ask(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" || a.stream.Active() {
		return nil
	}

	// Normal input stays suspended while a plan waits for clarification;
	// the user answers the questions or cancels the plan first.
	if a.workflow.State() == plan.AwaitingAnswers {
		a.systemNotice("⏸️ יש להשיב על שאלות ההבהרה או לבטל את התוכנית לפני שליחת שאלה חדשה")
		return nil
	}

	if a.cs.SpreadsheetID != "" && !a.cs.SheetSelected() {
		a.systemNotice("❌ יש לבחור גליון תחילה מהרשימה למעלה")
		return ErrNoSheetSelected
	}

	ctx = trace.WithExchangeID(ctx, trace.NewExchangeID())

	// History is captured before the new question joins the transcript;
	// the backend receives the question separately.
	history := a.log.Snapshot().History()
	a.log.Append(chat.NewMessage(chat.SenderUser, question))

	var grid sheets.Grid
	if a.cs.SheetSelected() {
		var err error
		grid, err = a.snapshot.BuildSnapshot(ctx, a.cs)
		if err != nil {
			a.systemNotice(fmt.Sprintf("אירעה שגיאה בטעינת הגליון: %s", a.describeErr(err)))
			a.scheduleStatusCheck(statusSettleDelay)
			return fmt.Errorf("app: snapshot before chat: %w", err)
		}
	}

	req := backend.ChatRequest{
		Question:            question,
		SheetData:           grid,
		ExtractedPDFData:    a.extractedPayload(session.FilePDF),
		ExtractedExcelData:  a.extractedPayload(session.FileExcel),
		IsAgentMode:         a.AgentMode,
		IsSignificantChange: a.SignificantChange,
		ConversationHistory: history,
		SpreadsheetID:       a.cs.SpreadsheetID,
		AccessToken:         a.cs.Credential,
		SessionID:           a.cs.ID,
		SheetsMetadata:      a.sheetsMeta,
		SelectedSheetName:   a.cs.SheetName,
		SheetInstructions:   a.sheetInstructions,
		SheetAnalysis:       a.sheetAnalysis,
	}

	final, err := a.stream.Exchange(ctx, a.log, func(ctx context.Context) (io.ReadCloser, error) {
		return a.backend.ChatStream(ctx, req)
	})

	a.scheduleStatusCheck(statusSettleDelay)

	if err != nil {
		return fmt.Errorf("app: chat exchange: %w", err)
	}

	if p, ok := a.workflow.Inspect(final); ok {
		a.systemNotice(fmt.Sprintf("📋 תוכנית %s ממתינה לתשובות הבהרה לפני ביצוע.", p.ID))
	}

	if a.cs.SheetSelected() && containsUndoRedoKeyword(question) {
		a.schedule(chatRefreshDelay, a.refreshViewport)
	}
	return nil
}

func containsUndoRedoKeyword(question string) bool {
	q := strings.ToLower(strings.TrimSpace(question))
	for _, kw := range undoRedoKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

func (a *App) extractedPayload(kind session.FileKind) string {
	for _, f := range a.cs.ExtractedFiles {
		if f.Kind == kind {
			return f.Payload
		}
	}
	return ""
}

func (a *App) scheduleStatusCheck(after time.Duration) {
	if a.recon == nil {
		return
	}
	a.schedule(after, func() {
		if err := a.recon.RefreshStatus(context.Background(), a.cs); err != nil {
			slog.Warn("deferred status check failed", "err", err)
		}
	})
}

// executePlan is the workflow's execution hook: it submits the plan and
// streams the backend's progress into the transcript, then schedules a
// viewport reload and a status check.
func (a *App) executePlan(ctx context.Context, p *plan.ChangePlan, answers [plan.AnswerSlots]string) error {
	ctx = trace.WithExchangeID(ctx, trace.NewExchangeID())

	req := backend.ExecuteRequest{
		PlanID:               p.ID,
		ClarificationAnswers: answers[:],
		SpreadsheetID:        a.cs.SpreadsheetID,
		AccessToken:          a.cs.Credential,
		SheetsMetadata:       a.sheetsMeta,
		SelectedSheetName:    a.cs.SheetName,
	}

	_, err := a.stream.Exchange(ctx, a.log, func(ctx context.Context) (io.ReadCloser, error) {
		return a.backend.ExecuteChangePlan(ctx, req)
	})
	if errors.Is(err, chat.ErrExchangeActive) {
		return plan.ErrExchangeBusy
	}
	if err != nil {
		return err
	}

	a.schedule(planRefreshDelay, a.refreshViewport)
	a.scheduleStatusCheck(statusSettleDelay)
	return nil
}

// SetAnswer records one clarification answer.
func (a *App) SetAnswer(slot int, text string) error {
	return a.workflow.SetAnswer(slot, text)
}

// SubmitAnswers executes the pending change plan with the recorded answers.
func (a *App) SubmitAnswers(ctx context.Context) error {
	if err := a.workflow.Execute(ctx); err != nil {
		if errors.Is(err, plan.ErrIncompleteAnswers) {
			a.systemNotice("❌ יש למלא את כל 5 תשובות ההבהרה לפני ביצוע התוכנית")
		}
		return err
	}
	return nil
}

// CancelPlan abandons the pending change plan.
func (a *App) CancelPlan() {
	a.workflow.Cancel()
}

// ApproveAll commits every staged edit and reports the outcome in the
// transcript.
func (a *App) ApproveAll(ctx context.Context) error {
	return a.bulkAction(ctx, a.recon.ApproveAll, "✅ כל השינויים אושרו")
}

// RejectAll discards every staged edit and reports the outcome in the
// transcript.
func (a *App) RejectAll(ctx context.Context) error {
	return a.bulkAction(ctx, a.recon.RejectAll, "🗑️ כל השינויים נדחו")
}

func (a *App) bulkAction(ctx context.Context, call func(context.Context, *session.ClientSession) (string, error), fallback string) error {
	msg, err := call(ctx, a.cs)
	if err != nil {
		a.systemNotice(fmt.Sprintf("❌ שגיאה: %s", a.describeErr(err)))
		return err
	}
	if msg == "" {
		msg = fallback
	}
	a.systemNotice(msg)
	return nil
}

// Undo reverts the most recent applied edit.
func (a *App) Undo(ctx context.Context) error {
	return a.stepAction(ctx, a.recon.Undo, "↩️")
}

// Redo re-applies the most recently undone edit.
func (a *App) Redo(ctx context.Context) error {
	return a.stepAction(ctx, a.recon.Redo, "⤴️")
}

func (a *App) stepAction(ctx context.Context, call func(context.Context, *session.ClientSession) (string, error), prefix string) error {
	msg, err := call(ctx, a.cs)
	if err != nil {
		a.systemNotice(fmt.Sprintf("❌ שגיאה: %s", a.describeErr(err)))
		return err
	}
	if msg != "" {
		a.systemNotice(prefix + " " + msg)
	}
	return nil
}

// NewChat starts a fresh conversation: a new session identity and a greeting
// transcript.  Credential, selection and extracted files are kept.
func (a *App) NewChat() {
	a.workflow.Cancel()
	a.cs.Reset()
	a.log.Replace(chat.Transcript{chat.NewMessage(chat.SenderAssistant, greeting)})
	slog.Info("new chat started", "session_id", a.cs.ID)
}

// LoadSpreadsheet points the session at a spreadsheet URL and lists its
// sheets.  Selection is reset; the user picks a sheet next.
func (a *App) LoadSpreadsheet(ctx context.Context, rawURL string) ([]sheets.SheetInfo, error) {
	id, ok := sheets.ExtractSpreadsheetID(rawURL)
	if !ok {
		return nil, fmt.Errorf("app: not a spreadsheet url: %s", rawURL)
	}
	if !a.cs.HasCredential() {
		return nil, session.ErrNoCredential
	}

	meta, err := a.provider.ListSheets(ctx, a.cs.Credential, id)
	if err != nil {
		return nil, fmt.Errorf("app: list sheets: %w", err)
	}

	a.cs.SpreadsheetID = id
	a.cs.SheetName = ""
	a.cs.SheetID = 0
	a.sheetsMeta = meta
	a.sheetInstructions = ""
	a.sheetAnalysis = ""
	a.AgentMode = false
	a.persistSession(ctx)

	a.systemNotice(fmt.Sprintf("📋 נמצאו %d גליונות - בחר גליון כדי להתחיל", len(meta)))
	return meta, nil
}

// SelectSheet chooses one sheet of the loaded spreadsheet, snapshots it and
// runs the initial AI analysis.  A reconciliation status check is scheduled
// once the selection settles.
func (a *App) SelectSheet(ctx context.Context, sheetName string) error {
	if a.cs.SpreadsheetID == "" {
		return ErrNoSheetSelected
	}
	if sheetName == a.cs.SheetName {
		return nil
	}

	var sheetID int64 = -1
	for _, m := range a.sheetsMeta {
		if m.Title == sheetName {
			sheetID = m.ID
			break
		}
	}
	if sheetID < 0 {
		return fmt.Errorf("app: unknown sheet %q", sheetName)
	}

	a.cs.SheetName = sheetName
	a.cs.SheetID = sheetID
	a.persistSession(ctx)

	a.systemNotice(fmt.Sprintf("✅ מחובר לגליון: %s", sheetName))

	grid, err := a.snapshot.BuildSnapshot(ctx, a.cs)
	if err != nil {
		return fmt.Errorf("app: snapshot on select: %w", err)
	}

	a.systemNotice(fmt.Sprintf("🔍 מנתח את מבנה הגליון \"%s\" עם AI...", sheetName))
	analysis, err := a.backend.AnalyzeSheet(ctx, grid, sheetName, a.cs.ID)
	if err != nil {
		a.systemNotice(fmt.Sprintf("אירעה שגיאה בניתוח הגליון: %s", a.describeErr(err)))
		return fmt.Errorf("app: analyze sheet: %w", err)
	}
	a.sheetAnalysis = analysis.Summary
	a.sheetInstructions = analysis.Instructions
	a.log.Append(chat.NewMessage(chat.SenderAssistant, "📊 ניתוח הגליון:\n"+analysis.Summary))

	a.scheduleStatusCheck(selectSettleDelay)
	return nil
}

// SetCredential installs a provider bearer token and persists it sealed.
func (a *App) SetCredential(ctx context.Context, token string) {
	a.cs.Credential = token
	a.persistSession(ctx)
}

// Logout drops the credential and starts a fresh conversation identity.
func (a *App) Logout(ctx context.Context) {
	a.cs.Credential = ""
	a.cs.Reset()
	a.persistSession(ctx)
}

func (a *App) persistSession(ctx context.Context) {
	if a.repo == nil {
		return
	}
	if err := a.repo.Save(ctx, a.cs); err != nil {
		slog.Warn("session persistence failed", "err", err)
	}
}
