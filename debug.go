package nvcfg

import (
	"fmt"
	"strings"
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 80)
)

// Dump returns a human-readable table of attached cells in key order.
func (r *Registry) Dump() string {
	var buf strings.Builder
	fmt.Fprintln(&buf, dumpSep1)
	fmt.Fprintf(&buf, "registry (%d/%d cells)\n", r.Len(), r.Cap())
	fmt.Fprintln(&buf, dumpSep2)
	r.Each(func(ci CellInfo) bool {
		dumpCell(&buf, ci)
		return true
	})
	return buf.String()
}

func dumpCell(w *strings.Builder, ci CellInfo) {
	fmt.Fprintf(w, "%s  %s %s", ci.Key, rpad(ci.State.String(), 10, ' '), ci.Path)
	if ci.Err != nil {
		fmt.Fprintf(w, " ** ERROR: %v", ci.Err)
	}
	w.WriteByte('\n')
}
