package migration

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
)

// Ledger file headers. Done lines may carry extra trailing columns for
// resource types that record more than one create per row.
var (
	doneHeader    = []string{"id", "patient_id", "patient_key", "resource_key"}
	ignoredHeader = []string{"id", "ignored_reason"}
	erroredHeader = []string{"id", "patient_id", "patient_key", "error_message"}
)

// Ledger is the append-only run record for one resource type: three
// delimited files (done, ignored, errored) that double as the audit trail.
// At open, done and ignored IDs are loaded into memory so re-running a file
// skips completed and excluded work. Errored IDs are deliberately not
// loaded: transient failures retry on the next run without operator action.
type Ledger struct {
	store    blobstore.Store
	resource string

	done    map[string]bool
	ignored map[string]bool
	// seen guards against one ID appearing twice in the same input file.
	seen map[string]bool
}

// OpenLedger loads the ledger files for a resource type, creating nothing
// until the first write.
func OpenLedger(ctx context.Context, store blobstore.Store, resource string) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		resource: resource,
		done:     make(map[string]bool),
		ignored:  make(map[string]bool),
		seen:     make(map[string]bool),
	}

	var err error
	if l.done, err = loadIDs(ctx, store, l.fileName("done")); err != nil {
		return nil, fmt.Errorf("migration: loading done ledger: %w", err)
	}
	if l.ignored, err = loadIDs(ctx, store, l.fileName("ignored")); err != nil {
		return nil, fmt.Errorf("migration: loading ignored ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) fileName(kind string) string {
	return fmt.Sprintf("%s_%s.csv", kind, l.resource)
}

// loadIDs reads the first column of every non-header line.
func loadIDs(ctx context.Context, store blobstore.Store, name string) (map[string]bool, error) {
	ids := make(map[string]bool)

	data, err := store.Get(ctx, name)
	if errors.Is(err, blobstore.ErrNotFound) {
		return ids, nil
	}
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = '|'
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	for i, record := range records {
		if i == 0 || len(record) == 0 {
			continue
		}
		ids[record[0]] = true
	}
	return ids, nil
}

// IsDone reports whether the ID finished on a previous run or earlier in
// this file.
func (l *Ledger) IsDone(id string) bool {
	return l.done[id] || l.seen[id]
}

// IsIgnored reports whether the ID was excluded on a previous run. Ignored
// rows stay excluded until an operator edits the ignored file.
func (l *Ledger) IsIgnored(id string) bool {
	return l.ignored[id]
}

// Done records a completed row: source ID, source patient identifier, the
// resolved patient key, the created resource key, and any extra columns the
// resource type tracks. Each write is appended and flushed on its own, so a
// crash loses at most the in-flight row.
func (l *Ledger) Done(ctx context.Context, id, patient, patientKey, resourceKey string, extra ...string) error {
	fields := append([]string{id, patient, patientKey, resourceKey}, extra...)
	if err := l.append(ctx, "done", doneHeader, fields); err != nil {
		return err
	}
	l.seen[id] = true
	return nil
}

// Ignore records a row excluded by a business rule. Ignored is terminal:
// the row is never retried automatically.
func (l *Ledger) Ignore(ctx context.Context, id, reason string) error {
	if err := l.append(ctx, "ignored", ignoredHeader, []string{id, flatten(reason)}); err != nil {
		return err
	}
	l.ignored[id] = true
	return nil
}

// Error records a row that failed and should be retried on the next run.
func (l *Ledger) Error(ctx context.Context, id, patient, patientKey string, cause error) error {
	fields := []string{id, patient, patientKey, flatten(cause.Error())}
	return l.append(ctx, "errored", erroredHeader, fields)
}

// append writes one line, prefixing the header if the file does not exist
// yet.
func (l *Ledger) append(ctx context.Context, kind string, header, fields []string) error {
	name := l.fileName(kind)

	exists, err := l.store.Exists(ctx, name)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '|'
	if !exists {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return l.store.Append(ctx, name, buf.Bytes())
}

// flatten keeps ledger reasons to one line.
func flatten(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}

// Counts summarizes the ledger files for one resource type.
type Counts struct {
	Done    int
	Ignored int
	Errored int
}

// LedgerCounts reads the three ledger files and counts the distinct row IDs
// in each. Missing files count as zero.
func LedgerCounts(ctx context.Context, store blobstore.Store, resource string) (*Counts, error) {
	l := &Ledger{resource: resource}
	counts := &Counts{}

	for kind, dst := range map[string]*int{
		"done":    &counts.Done,
		"ignored": &counts.Ignored,
		"errored": &counts.Errored,
	} {
		ids, err := loadIDs(ctx, store, l.fileName(kind))
		if err != nil {
			return nil, fmt.Errorf("migration: loading %s ledger: %w", kind, err)
		}
		*dst = len(ids)
	}
	return counts, nil
}
