package migration

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
)

// Row is one canonical CSV row, column name to normalized value.
type Row map[string]string

// Report collects validation failures keyed by "<id> <patient identifier>".
// It is written as a JSON report for manual triage, so one bad batch can be
// reviewed in a single pass instead of re-run repeatedly.
type Report map[string][]string

// Validator checks one resource type's CSV file: the header set first, then
// every declared rule against every row.
type Validator struct {
	// Headers is the exact set of columns the file must carry.
	Headers []string
	// Rules are the per-column checks.
	Rules FieldRules
	// IDField and PatientField name the columns that form the report key.
	IDField      string
	PatientField string
	// Delimiter separates columns. Zero means '|'.
	Delimiter rune
}

// Validate reads the whole file. A header mismatch is a structural failure:
// it aborts before any row is processed, because a wrong header means every
// row would be misparsed. Row failures land in the report and never abort
// the batch.
func (v *Validator) Validate(r io.Reader) ([]Row, Report, error) {
	delim := v.Delimiter
	if delim == 0 {
		delim = '|'
	}

	reader := csv.NewReader(r)
	reader.Comma = delim
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("migration: file is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("migration: reading header: %w", err)
	}
	if err := checkHeader(header, v.Headers); err != nil {
		return nil, nil, err
	}

	var rows []Row
	report := Report{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("migration: reading row: %w", err)
		}

		row := Row{}
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}

		key := fmt.Sprintf("%s %s", row[v.IDField], row[v.PatientField])
		failed := false
		for field, rules := range v.Rules {
			value := strings.TrimSpace(row[field])
			for _, rule := range rules {
				normalized, err := rule(value, field)
				if err != nil {
					report[key] = append(report[key], err.Error())
					failed = true
					continue
				}
				value = normalized
			}
			row[field] = value
		}

		if !failed {
			rows = append(rows, row)
		}
	}

	return rows, report, nil
}

// checkHeader requires the file's header set to exactly equal the accepted
// set. Extra columns are as structural as missing ones: they mean the file
// was exported against a different template version.
func checkHeader(header, accepted []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	want := make(map[string]bool, len(accepted))
	for _, h := range accepted {
		want[h] = true
	}

	var missing, extra []string
	for h := range want {
		if !have[h] {
			missing = append(missing, h)
		}
	}
	for h := range have {
		if !want[h] {
			extra = append(extra, h)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("migration: incorrect headers: missing %v, unexpected %v", missing, extra)
}

// WriteReport persists the validation report as indented JSON, overwriting
// any report from a previous run.
func WriteReport(ctx context.Context, store blobstore.Store, name string, report Report) error {
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return err
	}
	return store.Put(ctx, name, data)
}
