package migration

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
)

// Job is the explicit context for one migration environment: the artifact
// store, the identifier maps, and run settings. Strategies and commands
// share one Job instead of ambient state.
type Job struct {
	Store     blobstore.Store
	Maps      *IdentifierMaps
	Delimiter rune
	Log       zerolog.Logger
}

// reportName is the validation report artifact for a resource type.
func reportName(resource string) string {
	return fmt.Sprintf("validation_errors_%s.json", resource)
}

// ValidateFile validates one input file against a strategy's header set and
// rules. Row failures are persisted as a JSON report for triage; a header
// mismatch aborts with no partial output.
func (j *Job) ValidateFile(ctx context.Context, s Strategy, csvName string) ([]Row, Report, error) {
	data, err := j.Store.Get(ctx, csvName)
	if err != nil {
		return nil, nil, fmt.Errorf("migration: reading %s: %w", csvName, err)
	}

	v := &Validator{
		Headers:      s.Headers(),
		Rules:        s.Rules(),
		IDField:      s.IDField(),
		PatientField: s.PatientField(),
		Delimiter:    j.Delimiter,
	}
	rows, report, err := v.Validate(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}

	if len(report) > 0 {
		name := reportName(s.Resource())
		if err := WriteReport(ctx, j.Store, name, report); err != nil {
			return nil, nil, err
		}
		j.Log.Warn().Int("rows", len(report)).Str("report", name).Msg("some rows failed validation")
	} else {
		j.Log.Info().Msg("all rows passed validation")
	}

	return rows, report, nil
}

// Run validates the file and loads every clean row.
func (j *Job) Run(ctx context.Context, s Strategy, csvName string) (*Summary, error) {
	rows, _, err := j.ValidateFile(ctx, s, csvName)
	if err != nil {
		return nil, err
	}

	ledger, err := OpenLedger(ctx, j.Store, s.Resource())
	if err != nil {
		return nil, err
	}

	return NewLoader(s, ledger, j.Log).Load(ctx, rows)
}
