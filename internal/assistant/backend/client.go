// Package backend is the HTTP client for the assistant backend: sheet
// analysis, streaming chat, change-plan execution, staged-edit actions and
// file extraction.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/naamasharir/tlv500-assistant/common/retry"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/chat"
	"github.com/naamasharir/tlv500-assistant/internal/assistant/sheets"
)

const (
	defaultBaseURL = "http://localhost:3001"
	defaultTimeout = 30 * time.Second
)

// Config configures the backend client.
type Config struct {
	// BaseURL is the backend root, without the /api prefix.
	// Defaults to http://localhost:3001 when empty.
	BaseURL string

	// Timeout is the HTTP request timeout for non-streaming calls.
	// Streaming endpoints (chat, plan execution) are never subject to it:
	// a reply may take as long as the model needs.  Defaults to 30 s.
	Timeout time.Duration
}

// Client talks to the assistant backend.  Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	// streamClient has no timeout so chunked reply bodies can be read
	// for as long as they keep producing.
	streamClient *http.Client
}

// New returns a backend client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}
}

// --- wire types ---

// AnalyzeRequest asks the backend to summarise a freshly selected sheet.
type AnalyzeRequest struct {
	SheetData    sheets.Grid `json:"sheetData"`
	SheetName    string      `json:"sheetName"`
	SessionID    string      `json:"sessionId"`
	AnalysisType string      `json:"analysisType"`
}

// AnalyzeResult carries the model's summary plus the editing instructions
// that later chat exchanges echo back verbatim.
type AnalyzeResult struct {
	Summary      string `json:"summary"`
	Instructions string `json:"instructions"`
}

// ChatRequest is the full chat-stream payload.  Nil/empty optional fields
// are still sent; the backend treats them as "not available".
type ChatRequest struct {
	Question            string              `json:"question"`
	SheetData           sheets.Grid         `json:"sheetData"`
	ExtractedPDFData    string              `json:"extractedPdfData"`
	ExtractedExcelData  string              `json:"extractedExcelData"`
	IsAgentMode         bool                `json:"isAgentMode"`
	IsSignificantChange bool                `json:"isSignificantChange"`
	ConversationHistory []chat.HistoryEntry `json:"conversationHistory"`
	SpreadsheetID       string              `json:"spreadsheetId"`
	AccessToken         string              `json:"accessToken"`
	SessionID           string              `json:"sessionId"`
	SheetsMetadata      []sheets.SheetInfo  `json:"sheetsMetadata"`
	SelectedSheetName   string              `json:"selectedSheetName"`
	SheetInstructions   string              `json:"sheetInstructions"`
	SheetAnalysis       string              `json:"sheetAnalysis"`
}

// ExecuteRequest submits an approved change plan with its five answers.
type ExecuteRequest struct {
	PlanID               string             `json:"planId"`
	ClarificationAnswers []string           `json:"clarificationAnswers"`
	SpreadsheetID        string             `json:"spreadsheetId"`
	AccessToken          string             `json:"accessToken"`
	SheetsMetadata       []sheets.SheetInfo `json:"sheetsMetadata"`
	SelectedSheetName    string             `json:"selectedSheetName"`
}

// Status is the staged-edit state reported by the backend.
type Status struct {
	CanUndo      bool `json:"canUndo"`
	CanRedo      bool `json:"canRedo"`
	ChangesCount int  `json:"changesCount"`
}

// StepResult is the response to a single undo or redo step.  CanUndo and
// CanRedo are authoritative: callers adopt them verbatim.
type StepResult struct {
	CanUndo bool   `json:"canUndo"`
	CanRedo bool   `json:"canRedo"`
	Message string `json:"message"`
}

// BulkRequest commits or discards every staged edit on one sheet.
type BulkRequest struct {
	SpreadsheetID     string `json:"spreadsheetId"`
	SelectedSheetName string `json:"selectedSheetName"`
	SheetID           int64  `json:"sheetId"`
	SessionID         string `json:"sessionId"`
}

// SheetContext is the optional sheet state attached to a PDF extraction so
// the backend can map extracted figures onto the open sheet.
type SheetContext struct {
	SheetData         sheets.Grid
	SheetInstructions string
	SheetAnalysis     string
	SheetName         string
}

// ExtractResult is the payload of a PDF or Excel extraction.
type ExtractResult struct {
	FileID         string          `json:"fileId,omitempty"`
	ProcessingMode string          `json:"processingMode,omitempty"`
	IsFullText     bool            `json:"isFullText,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ConvertResult reports where an Excel upload landed as a spreadsheet.
type ConvertResult struct {
	SpreadsheetURL string `json:"spreadsheetUrl"`
	SpreadsheetID  string `json:"spreadsheetId,omitempty"`
}

// --- endpoints ---

// AnalyzeSheet runs the initial AI analysis of a sheet snapshot.
func (c *Client) AnalyzeSheet(ctx context.Context, grid sheets.Grid, sheetName, sessionID string) (*AnalyzeResult, error) {
	req := AnalyzeRequest{
		SheetData:    grid,
		SheetName:    sheetName,
		SessionID:    sessionID,
		AnalysisType: "initial_analysis",
	}
	var out AnalyzeResult
	if err := c.postJSON(ctx, "/api/analyze-sheet", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream opens a chat exchange and returns the chunked reply body.
// The caller owns the reader and must close it.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	return c.postStream(ctx, "/api/chat-stream", req)
}

// ExecuteChangePlan submits a plan for execution and returns the chunked
// progress body.  The caller owns the reader and must close it.
func (c *Client) ExecuteChangePlan(ctx context.Context, req ExecuteRequest) (io.ReadCloser, error) {
	return c.postStream(ctx, "/api/execute-change-plan", req)
}

// ActionStatus reports the staged-edit state for a session.  The read is
// retried on transient failure since it races the backend settling after
// an edit.
func (c *Client) ActionStatus(ctx context.Context, sessionID string) (*Status, error) {
	var out Status
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		return c.getJSON(ctx, "/api/action/status/"+sessionID, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ApproveAll commits every staged edit on the sheet.
func (c *Client) ApproveAll(ctx context.Context, req BulkRequest) (string, error) {
	return c.bulkAction(ctx, "/api/action/approve-all", req)
}

// RejectAll discards every staged edit on the sheet.
func (c *Client) RejectAll(ctx context.Context, req BulkRequest) (string, error) {
	return c.bulkAction(ctx, "/api/action/reject-all", req)
}

func (c *Client) bulkAction(ctx context.Context, path string, req BulkRequest) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, path, req, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Undo reverts the most recent applied edit.
func (c *Client) Undo(ctx context.Context, sessionID string) (*StepResult, error) {
	return c.stepAction(ctx, "/api/action/undo", sessionID)
}

// Redo re-applies the most recently undone edit.
func (c *Client) Redo(ctx context.Context, sessionID string) (*StepResult, error) {
	return c.stepAction(ctx, "/api/action/redo", sessionID)
}

func (c *Client) stepAction(ctx context.Context, path, sessionID string) (*StepResult, error) {
	req := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}
	var out StepResult
	if err := c.postJSON(ctx, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractPDF uploads a PDF for data extraction.  When sheetCtx is non-nil
// the current sheet state travels alongside the file so the extraction can
// be mapped onto it; otherwise the backend falls back to plain OCR.
func (c *Client) ExtractPDF(ctx context.Context, filename string, content io.Reader, sheetCtx *SheetContext) (*ExtractResult, error) {
	form, contentType, err := fileForm("pdf", filename, content, sheetCtx)
	if err != nil {
		return nil, err
	}
	var out ExtractResult
	if err := c.postForm(ctx, "/api/extract-pdf-data", contentType, form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractExcel uploads an Excel workbook and returns its extracted data.
func (c *Client) ExtractExcel(ctx context.Context, filename string, content io.Reader) (*ExtractResult, error) {
	form, contentType, err := fileForm("excel", filename, content, nil)
	if err != nil {
		return nil, err
	}
	var out ExtractResult
	if err := c.postForm(ctx, "/api/extract-excel-data", contentType, form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExcelToSheets uploads an Excel workbook for conversion into a hosted
// spreadsheet and returns its location.
func (c *Client) ExcelToSheets(ctx context.Context, filename string, content io.Reader) (*ConvertResult, error) {
	form, contentType, err := fileForm("excel", filename, content, nil)
	if err != nil {
		return nil, err
	}
	var out ConvertResult
	if err := c.postForm(ctx, "/api/excel-to-sheets", contentType, form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- transport helpers ---

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) postForm(ctx context.Context, path, contentType string, form *bytes.Buffer, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, form)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

func (c *Client) postStream(ctx context.Context, path string, in any) (io.ReadCloser, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, newAPIError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// fileForm builds a multipart body with the file under the given field name
// and, for PDF extractions, the optional sheet context fields.
func fileForm(field, filename string, content io.Reader, sheetCtx *SheetContext) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", fmt.Errorf("backend: create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, "", fmt.Errorf("backend: copy file content: %w", err)
	}

	if sheetCtx != nil {
		grid, err := json.Marshal(sheetCtx.SheetData)
		if err != nil {
			return nil, "", fmt.Errorf("backend: marshal sheet context: %w", err)
		}
		fields := map[string]string{
			"sheetData":         string(grid),
			"sheetInstructions": sheetCtx.SheetInstructions,
			"sheetAnalysis":     sheetCtx.SheetAnalysis,
			"sheetName":         sheetCtx.SheetName,
		}
		for _, k := range []string{"sheetData", "sheetInstructions", "sheetAnalysis", "sheetName"} {
			if err := w.WriteField(k, fields[k]); err != nil {
				return nil, "", fmt.Errorf("backend: write form field %s: %w", k, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("backend: close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
