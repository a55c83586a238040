// Package sheets talks to the spreadsheet provider and builds merged
// value+formula snapshots of a sheet range.
package sheets

import "strings"

// CellKind distinguishes formula cells from plain literals.
type CellKind string

const (
	KindLiteral CellKind = "literal"
	KindFormula CellKind = "formula"
)

// Cell is one position of a merged snapshot.  For formula cells Value holds
// the rendered result and Formula the "=..." source text; for literals
// Formula is empty.
type Cell struct {
	Value   string   `json:"value"`
	Formula string   `json:"formula,omitempty"`
	Kind    CellKind `json:"type"`
}

// Grid is a rectangular snapshot of a sheet range.
type Grid [][]Cell

// Merge combines a rendered-values grid and a formula-text grid into one
// cell-typed grid.  It is pure and total: grids of differing shapes are
// padded with empty cells up to the maximum extent of either source, and no
// input can make it fail.
//
// A cell is a formula iff its formula-source text is non-empty and starts
// with '='.  Otherwise it is a literal whose value is the rendered value
// when present, falling back to the formula-source text (which for literals
// is just the raw cell content).
func Merge(values, formulas [][]string) Grid {
	rows := max(len(values), len(formulas))
	grid := make(Grid, 0, rows)

	for row := 0; row < rows; row++ {
		var valueRow, formulaRow []string
		if row < len(values) {
			valueRow = values[row]
		}
		if row < len(formulas) {
			formulaRow = formulas[row]
		}

		cols := max(len(valueRow), len(formulaRow))
		merged := make([]Cell, 0, cols)
		for col := 0; col < cols; col++ {
			var value, formula string
			if col < len(valueRow) {
				value = valueRow[col]
			}
			if col < len(formulaRow) {
				formula = formulaRow[col]
			}
			merged = append(merged, mergeCell(value, formula))
		}
		grid = append(grid, merged)
	}

	return grid
}

func mergeCell(value, formula string) Cell {
	if strings.HasPrefix(formula, "=") {
		return Cell{Value: value, Formula: formula, Kind: KindFormula}
	}
	if value == "" {
		value = formula
	}
	return Cell{Value: value, Kind: KindLiteral}
}

// FormulaCount returns how many cells of the grid are formulas.
func (g Grid) FormulaCount() int {
	n := 0
	for _, row := range g {
		for _, cell := range row {
			if cell.Kind == KindFormula {
				n++
			}
		}
	}
	return n
}

// IsEmpty reports whether the grid has no rows.
func (g Grid) IsEmpty() bool {
	return len(g) == 0
}
