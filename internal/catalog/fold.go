package catalog

import (
	"strings"

	"golang.org/x/text/cases"
)

var nameFolder = cases.Fold()

// foldName normalises a name for case-insensitive search. The folded form is
// stored alongside the display name so lookups stay index friendly.
func foldName(s string) string {
	return nameFolder.String(strings.TrimSpace(s))
}
