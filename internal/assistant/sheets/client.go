package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

const defaultProviderBase = "https://sheets.googleapis.com/v4/spreadsheets"

// RenderOption selects how the provider renders cell contents on a range read.
type RenderOption string

const (
	// RenderedValue returns cell contents as displayed (formula results).
	RenderedValue RenderOption = "FORMATTED_VALUE"
	// FormulaText returns the "=..." source text for formula cells.
	FormulaText RenderOption = "FORMULA"
)

// ClientConfig configures the provider client.
type ClientConfig struct {
	// BaseURL overrides the provider endpoint.  Defaults to the public
	// Google Sheets v4 API when empty.
	BaseURL string

	// Timeout is the HTTP request timeout.  Defaults to 30 s.
	Timeout time.Duration
}

// Client is a thin spreadsheet-provider client.  All calls require a bearer
// credential passed per-request; the client itself holds no session state.
// Safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

// NewClient returns a provider client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultProviderBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal provider wire types ---

type valueRangeResponse struct {
	Values [][]any `json:"values"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type spreadsheetResponse struct {
	Sheets []struct {
		Properties struct {
			SheetID int64  `json:"sheetId"`
			Title   string `json:"title"`
		} `json:"properties"`
	} `json:"sheets"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// SheetInfo describes one sheet of a spreadsheet.
type SheetInfo struct {
	Title string
	ID    int64
}

// ReadRange reads one range with the given render option and returns the raw
// string grid.  Non-string cell values (numbers, booleans) are stringified.
func (c *Client) ReadRange(ctx context.Context, credential, spreadsheetID, rng string, opt RenderOption) ([][]string, error) {
	params := url.Values{"valueRenderOption": []string{string(opt)}}
	endpoint := fmt.Sprintf("%s/%s/values/%s?%s",
		c.cfg.BaseURL, spreadsheetID, url.PathEscape(rng), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("sheets: create read request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheets: read range: %w", err)
	}
	defer resp.Body.Close()

	var decoded valueRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("sheets: decode read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil {
			return nil, fmt.Errorf("sheets: read range (HTTP %d): %s", resp.StatusCode, decoded.Error.Message)
		}
		return nil, fmt.Errorf("sheets: read range: HTTP %d", resp.StatusCode)
	}

	return stringifyGrid(decoded.Values), nil
}

// UpdateRange writes values to a range with raw input semantics (no provider
// side parsing of the written strings beyond formula detection).
func (c *Client) UpdateRange(ctx context.Context, credential, spreadsheetID, rng string, values [][]string) error {
	endpoint := fmt.Sprintf("%s/%s/values/%s?valueInputOption=RAW",
		c.cfg.BaseURL, spreadsheetID, url.PathEscape(rng))

	body, err := json.Marshal(map[string]any{"values": values})
	if err != nil {
		return fmt.Errorf("sheets: marshal update body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sheets: create update request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sheets: update range: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("sheets: update range: HTTP %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// ListSheets returns the titles and numeric ids of every sheet in the
// spreadsheet.  The numeric id is required by the approve/reject commands.
func (c *Client) ListSheets(ctx context.Context, credential, spreadsheetID string) ([]SheetInfo, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=sheets.properties", c.cfg.BaseURL, spreadsheetID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("sheets: create metadata request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheets: list sheets: %w", err)
	}
	defer resp.Body.Close()

	var decoded spreadsheetResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("sheets: decode metadata response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil {
			return nil, fmt.Errorf("sheets: list sheets (HTTP %d): %s", resp.StatusCode, decoded.Error.Message)
		}
		return nil, fmt.Errorf("sheets: list sheets: HTTP %d", resp.StatusCode)
	}

	infos := make([]SheetInfo, 0, len(decoded.Sheets))
	for _, s := range decoded.Sheets {
		infos = append(infos, SheetInfo{Title: s.Properties.Title, ID: s.Properties.SheetID})
	}
	return infos, nil
}

var spreadsheetURLPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// ExtractSpreadsheetID pulls the spreadsheet id out of a provider URL.
func ExtractSpreadsheetID(rawURL string) (string, bool) {
	m := spreadsheetURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// stringifyGrid converts the provider's loosely typed grid to strings.
func stringifyGrid(values [][]any) [][]string {
	grid := make([][]string, 0, len(values))
	for _, row := range values {
		out := make([]string, 0, len(row))
		for _, v := range row {
			out = append(out, stringifyCell(v))
		}
		grid = append(grid, out)
	}
	return grid
}

func stringifyCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprint(t)
	}
}
