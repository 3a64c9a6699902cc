package nvcfg

import "fmt"

// CellState is the lifecycle state of a cell.
type CellState uint8

const (
	Unattached CellState = iota
	Hydrating
	Clean
	Dirty
	Writing
	Failed
)

var cellStateNames = [...]string{
	Unattached: "unattached",
	Hydrating:  "hydrating",
	Clean:      "clean",
	Dirty:      "dirty",
	Writing:    "writing",
	Failed:     "failed",
}

func (s CellState) String() string {
	if int(s) < len(cellStateNames) {
		return cellStateNames[s]
	}
	return fmt.Sprintf("CellState(%d)", int(s))
}

// HasValue reports whether a cell in this state carries a known value.
func (s CellState) HasValue() bool {
	return s >= Clean
}
