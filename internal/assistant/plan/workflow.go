package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// AnswerSlots is the fixed number of clarification answers the execution
// endpoint expects, regardless of how many questions were extracted.
const AnswerSlots = 5

// State is the workflow phase.
type State int

const (
	// Inactive: no plan pending; replies are inspected as they finalize.
	Inactive State = iota
	// AwaitingAnswers: a plan is pending and normal input is suspended
	// until the clarification round is resolved or canceled.
	AwaitingAnswers
	// Executing: the plan has been submitted and its exchange is in flight.
	Executing
)

func (s State) String() string {
	switch s {
	case AwaitingAnswers:
		return "awaiting-answers"
	case Executing:
		return "executing"
	default:
		return "inactive"
	}
}

var (
	// ErrIncompleteAnswers rejects execution while any answer slot is blank.
	// No network call is made.
	ErrIncompleteAnswers = fmt.Errorf("plan: all %d answers are required", AnswerSlots)
	// ErrNoPlanPending rejects execution when no plan is awaiting answers.
	ErrNoPlanPending = errors.New("plan: no plan awaiting answers")
	// ErrSlotOutOfRange rejects answer writes outside the fixed slots.
	ErrSlotOutOfRange = fmt.Errorf("plan: answer slot must be 0..%d", AnswerSlots-1)
	// ErrExchangeBusy is the executor's signal that another exchange holds
	// the single-flight slot.  The workflow treats it as a rejection, not a
	// failure: the pending plan and its answers survive for a later retry.
	ErrExchangeBusy = errors.New("plan: another exchange is in flight")
)

// ChangePlan is a backend-proposed multi-step edit pending clarification.
type ChangePlan struct {
	ID          string
	RawResponse string
	Questions   []string
}

// ExecuteFunc submits a clarified plan for execution and blocks until its
// streamed exchange completes.
type ExecuteFunc func(ctx context.Context, p *ChangePlan, answers [AnswerSlots]string) error

// Workflow manages the plan lifecycle: detection on finalized replies, the
// bounded clarification round, and submission.  Safe for concurrent use.
type Workflow struct {
	execute ExecuteFunc

	mu      sync.Mutex
	state   State
	pending *ChangePlan
	answers [AnswerSlots]string
}

// NewWorkflow creates a Workflow that submits plans through execute.
func NewWorkflow(execute ExecuteFunc) *Workflow {
	return &Workflow{execute: execute}
}

// State returns the current phase.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the plan awaiting answers, or nil.
func (w *Workflow) Pending() *ChangePlan {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Answers returns a copy of the current answer slots.
func (w *Workflow) Answers() [AnswerSlots]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.answers
}

// Inspect classifies a just-finalized assistant reply.  When the reply
// encodes a change plan and the workflow is Inactive, it transitions to
// AwaitingAnswers with freshly cleared answer slots and returns the plan.
//
// Detection prefers the structured envelope; marker scraping is the
// compatibility fallback.  A reply with neither (or with a malformed plan
// section) leaves the workflow untouched without reporting anything; most
// replies are not plans.
func (w *Workflow) Inspect(reply string) (*ChangePlan, bool) {
	detected := detect(reply)
	if detected == nil {
		return nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Inactive {
		slog.Warn("plan detected while another is pending; ignoring", "plan_id", detected.ID)
		return nil, false
	}

	w.state = AwaitingAnswers
	w.pending = detected
	w.answers = [AnswerSlots]string{}
	slog.Info("change plan pending clarification", "plan_id", detected.ID, "questions", len(detected.Questions))
	return detected, true
}

// detect runs envelope classification first, then marker scraping.
func detect(reply string) *ChangePlan {
	if env, ok := ParseEnvelope(reply); ok {
		if env.Kind != KindChangePlan {
			return nil
		}
		questions := env.Questions
		if len(questions) > maxQuestions {
			questions = questions[:maxQuestions]
		}
		return &ChangePlan{ID: env.PlanID, RawResponse: reply, Questions: questions}
	}
	if p, ok := scrapePlan(reply); ok {
		return p
	}
	return nil
}

// SetAnswer records the answer for one slot.
func (w *Workflow) SetAnswer(slot int, text string) error {
	if slot < 0 || slot >= AnswerSlots {
		return ErrSlotOutOfRange
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != AwaitingAnswers {
		return ErrNoPlanPending
	}
	w.answers[slot] = text
	return nil
}

// Cancel abandons the pending plan.  It is side-effect-free: no network
// call, nothing to undo.  Canceling an inactive workflow is a no-op.
func (w *Workflow) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Executing {
		return
	}
	w.state = Inactive
	w.pending = nil
	w.answers = [AnswerSlots]string{}
}

// Execute submits the pending plan with its answers.
//
// Gating: every one of the AnswerSlots slots must be non-blank, including
// the slots beyond the extracted questions, otherwise ErrIncompleteAnswers
// is returned before any network activity.
//
// Whether the execution exchange succeeds or fails, the workflow clears back
// to Inactive: a failed plan must be regenerated, not retried.  The one
// exception is ErrExchangeBusy from the executor, which returns the workflow
// to AwaitingAnswers with the plan and answers intact.
func (w *Workflow) Execute(ctx context.Context) error {
	w.mu.Lock()
	if w.state != AwaitingAnswers || w.pending == nil {
		w.mu.Unlock()
		return ErrNoPlanPending
	}
	for _, a := range w.answers {
		if strings.TrimSpace(a) == "" {
			w.mu.Unlock()
			return ErrIncompleteAnswers
		}
	}
	p := w.pending
	answers := w.answers
	w.state = Executing
	w.mu.Unlock()

	err := w.execute(ctx, p, answers)

	w.mu.Lock()
	if errors.Is(err, ErrExchangeBusy) {
		w.state = AwaitingAnswers
		w.mu.Unlock()
		return fmt.Errorf("plan: execute %s: %w", p.ID, err)
	}
	w.state = Inactive
	w.pending = nil
	w.answers = [AnswerSlots]string{}
	w.mu.Unlock()

	if err != nil {
		return fmt.Errorf("plan: execute %s: %w", p.ID, err)
	}
	slog.Info("change plan executed", "plan_id", p.ID)
	return nil
}
