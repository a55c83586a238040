package sheets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/naamasharir/tlv500-assistant/internal/assistant/session"
)

// defaultRangeExtent bounds how much of a sheet one snapshot covers.
const defaultRangeExtent = "A1:Z1000"

// RangeReader is the slice of the provider client the snapshot builder needs.
type RangeReader interface {
	ReadRange(ctx context.Context, credential, spreadsheetID, rng string, opt RenderOption) ([][]string, error)
}

// Notifier receives informational notices for the transcript (system
// messages).  It is a report channel, never a control signal.
type Notifier func(text string)

// Builder fetches and merges the two provider views of a sheet range into
// one authoritative snapshot.
type Builder struct {
	reader RangeReader
	notify Notifier
}

// NewBuilder creates a Builder.  notify may be nil.
func NewBuilder(reader RangeReader, notify Notifier) *Builder {
	if notify == nil {
		notify = func(string) {}
	}
	return &Builder{reader: reader, notify: notify}
}

// BuildSnapshot reads the selected sheet's range twice, once for rendered
// values and once for formula text, merges the two grids, and reports how many
// formulas the snapshot contains.  The two reads are independent and issued
// concurrently.  It fails with session.ErrNoCredential before any request
// when no bearer token is available.
func (b *Builder) BuildSnapshot(ctx context.Context, cs *session.ClientSession) (Grid, error) {
	if !cs.HasCredential() {
		return nil, session.ErrNoCredential
	}

	rng := defaultRangeExtent
	if cs.SheetName != "" {
		rng = fmt.Sprintf("'%s'!%s", cs.SheetName, defaultRangeExtent)
	}

	type readResult struct {
		grid [][]string
		err  error
	}
	read := func(opt RenderOption, out chan<- readResult) {
		grid, err := b.reader.ReadRange(ctx, cs.Credential, cs.SpreadsheetID, rng, opt)
		out <- readResult{grid: grid, err: err}
	}

	valuesCh := make(chan readResult, 1)
	formulasCh := make(chan readResult, 1)
	go read(RenderedValue, valuesCh)
	go read(FormulaText, formulasCh)

	values, formulas := <-valuesCh, <-formulasCh
	if values.err != nil {
		return nil, fmt.Errorf("sheets: values read: %w", values.err)
	}
	if formulas.err != nil {
		return nil, fmt.Errorf("sheets: formulas read: %w", formulas.err)
	}

	grid := Merge(values.grid, formulas.grid)

	if n := grid.FormulaCount(); n > 0 {
		slog.Debug("snapshot built", "sheet", cs.SheetName, "rows", len(grid), "formulas", n)
		b.notify(fmt.Sprintf("Sheet loaded with %d formulas - the assistant can see both formulas and rendered values.", n))
	} else {
		slog.Debug("snapshot built", "sheet", cs.SheetName, "rows", len(grid), "formulas", 0)
		b.notify("Sheet loaded - it contains data but no formulas were found.")
	}

	return grid, nil
}
