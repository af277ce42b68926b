package extract

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrSubdivisionExhausted is returned when a region is still at the record
// cap after the maximum depth and the layer cannot paginate.
var ErrSubdivisionExhausted = eris.New("extract: subdivision exhausted")

// EmptyResultError reports a run that completed without finding any records.
// It is a warning: callers may still have written an empty output.
type EmptyResultError struct {
	Name string
}

func (e *EmptyResultError) Error() string {
	if e.Name == "" {
		return "extract: no CLU records found"
	}
	return fmt.Sprintf("extract: no CLU records found for %s", e.Name)
}
