package errs

import "errors"

// CloseReport collects non-fatal failures encountered while tearing a component down.
// Teardown always completes; callers inspect Warnings instead of handling an error.
type CloseReport struct {
	Warnings []error
}

// Add records err when non-nil.
func (r *CloseReport) Add(err error) {
	if err != nil {
		r.Warnings = append(r.Warnings, err)
	}
}

// Merge appends other's warnings.
func (r *CloseReport) Merge(other CloseReport) {
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Clean reports whether teardown produced no warnings.
func (r CloseReport) Clean() bool {
	return len(r.Warnings) == 0
}

// Err joins the warnings into a single error, or nil.
func (r CloseReport) Err() error {
	return errors.Join(r.Warnings...)
}
