package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Resource strategy
// ---------------------------------------------------------------------------

// Submission is one remote create derived from a row. Most rows produce
// exactly one; a row whose source packs several codes into one record
// produces one Submission per code.
type Submission struct {
	// Payload is the resource-specific body handed back to Submit.
	Payload map[string]interface{}
	// DoneExtra adds trailing ledger columns for this create.
	DoneExtra []string
	// Finalize runs after the done line is written, with the created
	// resource key, for resource types that commit or lock after the
	// create. Recording done first means a crash between create and
	// commit never double-creates on resume.
	Finalize func(ctx context.Context, key string) error
}

// Prepared is the output of Strategy.Prepare for one row.
type Prepared struct {
	// PatientKey is the resolved destination patient, recorded on every
	// ledger line for the row.
	PatientKey  string
	Submissions []Submission
}

// Strategy is everything specific to one clinical resource type. The
// Loader, Validator, and Ledger are shared; a new resource type implements
// only this.
type Strategy interface {
	// Resource names the type, used for ledger and report file names.
	Resource() string
	// Headers is the exact column set the input file must carry.
	Headers() []string
	// Rules are the per-column validation rules.
	Rules() FieldRules
	// IDField and PatientField name the unique-ID and source-patient
	// columns.
	IDField() string
	PatientField() string
	// Prepare resolves identifiers and builds the remote submissions for
	// one validated row. Returning an error classified by IsIgnore sends
	// the row to the ignored ledger; any other error sends it to errored.
	Prepare(ctx context.Context, row Row) (*Prepared, error)
	// Submit performs one remote create and returns the destination
	// resource key.
	Submit(ctx context.Context, sub Submission) (string, error)
}

// ---------------------------------------------------------------------------
// Row classification
// ---------------------------------------------------------------------------

// ignoreRow marks a row as permanently out of scope.
type ignoreRow struct {
	reason string
}

func (e *ignoreRow) Error() string { return e.reason }

// IgnoreRow returns an error that routes the row to the ignored ledger
// instead of errored. Use it for conditions a retry can never fix.
func IgnoreRow(format string, args ...interface{}) error {
	return &ignoreRow{reason: fmt.Sprintf(format, args...)}
}

// IsIgnore reports whether the error was produced by IgnoreRow.
func IsIgnore(err error) bool {
	var ig *ignoreRow
	return errors.As(err, &ig)
}

// ---------------------------------------------------------------------------
// Strategy registry
// ---------------------------------------------------------------------------

// Registry holds the known resource strategies by name.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds a registry from the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Resource()] = s
	}
	return r
}

// Get returns the strategy for a resource type.
func (r *Registry) Get(resource string) (Strategy, error) {
	s, ok := r.strategies[resource]
	if !ok {
		return nil, fmt.Errorf("migration: unknown resource type %q, known types: %v", resource, r.Names())
	}
	return s, nil
}

// Names lists the registered resource types, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
