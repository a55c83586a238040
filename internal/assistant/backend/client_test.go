package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/naamasharir/tlv500-assistant/internal/assistant/sheets"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL})
}

// TestAnalyzeSheet verifies the analyze request shape and response decode.
func TestAnalyzeSheet(t *testing.T) {
	var got AnalyzeRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/analyze-sheet" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(AnalyzeResult{Summary: "P&L sheet", Instructions: "keep formats"})
	}))

	grid := sheets.Merge([][]string{{"Revenue", "100"}}, [][]string{{"", ""}})
	res, err := c.AnalyzeSheet(context.Background(), grid, "Q1", "session_1_abc")
	if err != nil {
		t.Fatalf("AnalyzeSheet: %v", err)
	}
	if got.AnalysisType != "initial_analysis" {
		t.Errorf("analysisType = %q", got.AnalysisType)
	}
	if got.SheetName != "Q1" || got.SessionID != "session_1_abc" {
		t.Errorf("request = %+v", got)
	}
	if res.Summary != "P&L sheet" || res.Instructions != "keep formats" {
		t.Errorf("result = %+v", res)
	}
}

// TestChatStreamBody verifies the stream endpoint hands back the raw
// chunked body for the caller to consume.
func TestChatStreamBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "partial one")
	}))

	body, err := c.ChatStream(context.Background(), ChatRequest{Question: "מה ה-EBITDA?"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer body.Close()
	text, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(text) != "partial one" {
		t.Errorf("body = %q", text)
	}
}

// TestChatStreamServerError verifies a non-2xx stream open surfaces the
// server error text as an APIError instead of a reader.
func TestChatStreamServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusBadGateway)
	}))

	_, err := c.ChatStream(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "model overloaded" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

// TestActionStatusRetries verifies transient status failures are retried.
func TestActionStatusRetries(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/api/action/status/session_1_abc" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Status{CanUndo: true, ChangesCount: 2})
	}))

	st, err := c.ActionStatus(context.Background(), "session_1_abc")
	if err != nil {
		t.Fatalf("ActionStatus: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if !st.CanUndo || st.CanRedo || st.ChangesCount != 2 {
		t.Errorf("status = %+v", st)
	}
}

// TestUndo verifies the step request body and authoritative flags decode.
func TestUndo(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/action/undo" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			SessionID string `json:"sessionId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.SessionID != "session_9_xyz" {
			t.Errorf("sessionId = %q", req.SessionID)
		}
		json.NewEncoder(w).Encode(StepResult{CanUndo: false, CanRedo: true, Message: "בוטל"})
	}))

	res, err := c.Undo(context.Background(), "session_9_xyz")
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if res.CanUndo || !res.CanRedo || res.Message != "בוטל" {
		t.Errorf("result = %+v", res)
	}
}

// TestApproveAll verifies the bulk request carries the full sheet identity.
func TestApproveAll(t *testing.T) {
	var got BulkRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/action/approve-all" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"message": "all approved"})
	}))

	msg, err := c.ApproveAll(context.Background(), BulkRequest{
		SpreadsheetID:     "abc123",
		SelectedSheetName: "Q1",
		SheetID:           42,
		SessionID:         "session_1_abc",
	})
	if err != nil {
		t.Fatalf("ApproveAll: %v", err)
	}
	if msg != "all approved" {
		t.Errorf("message = %q", msg)
	}
	if got.SpreadsheetID != "abc123" || got.SelectedSheetName != "Q1" || got.SheetID != 42 {
		t.Errorf("request = %+v", got)
	}
}

// TestExtractPDFWithContext verifies the multipart form carries both the
// file and the sheet context fields.
func TestExtractPDFWithContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		file, header, err := r.FormFile("pdf")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "report.pdf" {
			t.Errorf("filename = %q", header.Filename)
		}
		content, _ := io.ReadAll(file)
		if string(content) != "%PDF-1.4 fake" {
			t.Errorf("file content = %q", content)
		}
		if v := r.FormValue("sheetName"); v != "Q1" {
			t.Errorf("sheetName = %q", v)
		}
		if v := r.FormValue("sheetInstructions"); v != "map to column B" {
			t.Errorf("sheetInstructions = %q", v)
		}
		if r.FormValue("sheetData") == "" {
			t.Error("sheetData missing from form")
		}
		json.NewEncoder(w).Encode(ExtractResult{FileID: "f-1", ProcessingMode: "structured"})
	}))

	grid := sheets.Merge([][]string{{"x"}}, [][]string{{""}})
	res, err := c.ExtractPDF(context.Background(), "report.pdf",
		bytes.NewBufferString("%PDF-1.4 fake"),
		&SheetContext{SheetData: grid, SheetInstructions: "map to column B", SheetName: "Q1"})
	if err != nil {
		t.Fatalf("ExtractPDF: %v", err)
	}
	if res.FileID != "f-1" || res.ProcessingMode != "structured" {
		t.Errorf("result = %+v", res)
	}
}

// TestExtractExcelNoContext verifies the plain excel upload path.
func TestExtractExcelNoContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/extract-excel-data" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if _, _, err := r.FormFile("excel"); err != nil {
			t.Fatalf("form file: %v", err)
		}
		json.NewEncoder(w).Encode(ExtractResult{Data: json.RawMessage(`{"rows":3}`)})
	}))

	res, err := c.ExtractExcel(context.Background(), "model.xlsx", bytes.NewBufferString("xlsx bytes"))
	if err != nil {
		t.Fatalf("ExtractExcel: %v", err)
	}
	if string(res.Data) != `{"rows":3}` {
		t.Errorf("data = %s", res.Data)
	}
}
