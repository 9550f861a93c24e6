package migration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
	"github.com/ehr/ehr-migrate/internal/platform/emr"
)

// fakeStrategy records which rows reach Prepare and Submit.
type fakeStrategy struct {
	prepared  []string
	submitted int

	prepareFn func(row Row) (*Prepared, error)
	submitFn  func(sub Submission) (string, error)
}

func (f *fakeStrategy) Resource() string     { return "fake" }
func (f *fakeStrategy) Headers() []string    { return []string{"ID", "Patient Identifier"} }
func (f *fakeStrategy) Rules() FieldRules    { return FieldRules{"ID": {Required}} }
func (f *fakeStrategy) IDField() string      { return "ID" }
func (f *fakeStrategy) PatientField() string { return "Patient Identifier" }

func (f *fakeStrategy) Prepare(_ context.Context, row Row) (*Prepared, error) {
	f.prepared = append(f.prepared, row["ID"])
	if f.prepareFn != nil {
		return f.prepareFn(row)
	}
	return &Prepared{
		PatientKey:  "key-" + row["Patient Identifier"],
		Submissions: []Submission{{Payload: map[string]interface{}{"id": row["ID"]}}},
	}, nil
}

func (f *fakeStrategy) Submit(_ context.Context, sub Submission) (string, error) {
	f.submitted++
	if f.submitFn != nil {
		return f.submitFn(sub)
	}
	return fmt.Sprintf("res-%d", f.submitted), nil
}

func row(id, patient string) Row {
	return Row{"ID": id, "Patient Identifier": patient}
}

func newLoader(t *testing.T, store blobstore.Store, s Strategy) *Loader {
	t.Helper()
	ledger, err := OpenLedger(context.Background(), store, s.Resource())
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	return NewLoader(s, ledger, zerolog.Nop())
}

func TestLoaderSkipBeforeResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := &fakeStrategy{}
	if _, err := newLoader(t, store, seed).Load(ctx, []Row{row("A1", "p1")}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	s := &fakeStrategy{}
	summary, err := newLoader(t, store, s).Load(ctx, []Row{row("A1", "p1"), row("A2", "p2")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if summary.AlreadyDone != 1 || summary.Done != 1 {
		t.Errorf("summary = %+v", summary)
	}
	// A done ID must never reach identifier resolution or payload
	// mapping.
	for _, id := range s.prepared {
		if id == "A1" {
			t.Error("Prepare was called for an already-done row")
		}
	}
}

func TestLoaderIdempotence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rows := []Row{row("A1", "p1"), row("A2", "p2")}

	first := &fakeStrategy{}
	if _, err := newLoader(t, store, first).Load(ctx, rows); err != nil {
		t.Fatalf("first run: %v", err)
	}
	afterFirst, err := store.Get(ctx, "done_fake.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	second := &fakeStrategy{}
	summary, err := newLoader(t, store, second).Load(ctx, rows)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.submitted != 0 {
		t.Errorf("second run submitted %d times, want 0", second.submitted)
	}
	if summary.AlreadyDone != 2 {
		t.Errorf("summary = %+v", summary)
	}

	afterSecond, err := store.Get(ctx, "done_fake.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(afterFirst) != string(afterSecond) {
		t.Error("second run changed the done ledger")
	}
}

func TestLoaderDuplicateIDWithinFile(t *testing.T) {
	store := newTestStore(t)
	s := &fakeStrategy{}

	summary, err := newLoader(t, store, s).Load(context.Background(), []Row{
		row("A1", "p1"), row("A1", "p1"),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.submitted != 1 {
		t.Errorf("submitted = %d, want 1", s.submitted)
	}
	if summary.Done != 1 || summary.AlreadyDone != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestLoaderRowIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var rows []Row
	for i := 1; i <= 10; i++ {
		rows = append(rows, row(fmt.Sprintf("A%d", i), fmt.Sprintf("p%d", i)))
	}

	s := &fakeStrategy{}
	s.prepareFn = func(r Row) (*Prepared, error) {
		if r["ID"] == "A5" {
			return nil, fmt.Errorf("%w: patient %q", ErrNotMapped, r["Patient Identifier"])
		}
		return &Prepared{PatientKey: "k", Submissions: []Submission{{}}}, nil
	}

	summary, err := newLoader(t, store, s).Load(ctx, rows)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if summary.Done != 9 {
		t.Errorf("Done = %d, want 9", summary.Done)
	}
	if summary.Errored != 1 {
		t.Errorf("Errored = %d, want 1", summary.Errored)
	}

	// A5 retries next run: it must be in errored, not in a skip set.
	reloaded, err := OpenLedger(ctx, store, "fake")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if reloaded.IsDone("A5") || reloaded.IsIgnored("A5") {
		t.Error("errored row must stay retryable")
	}
}

func TestLoaderIgnoreVsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := &fakeStrategy{}
	s.prepareFn = func(r Row) (*Prepared, error) {
		switch r["ID"] {
		case "X1":
			return nil, IgnoreRow("Allergy is missing a name")
		case "X2":
			return nil, errors.New("connection reset")
		}
		return &Prepared{Submissions: []Submission{{}}}, nil
	}

	summary, err := newLoader(t, store, s).Load(ctx, []Row{row("X1", "p1"), row("X2", "p2")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if summary.Ignored != 1 || summary.Errored != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.IgnoreReasons["Allergy is missing a name"]) != 1 {
		t.Errorf("IgnoreReasons = %v", summary.IgnoreReasons)
	}

	reloaded, err := OpenLedger(ctx, store, "fake")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if !reloaded.IsIgnored("X1") {
		t.Error("business-rule ignore must persist")
	}
	if reloaded.IsIgnored("X2") {
		t.Error("transient error must not be ignored")
	}
}

func TestLoaderTerminalRejectionAutoIgnored(t *testing.T) {
	store := newTestStore(t)

	s := &fakeStrategy{}
	s.submitFn = func(Submission) (string, error) {
		return "", &emr.RequestError{StatusCode: 422, Body: "bad coding"}
	}

	summary, err := newLoader(t, store, s).Load(context.Background(), []Row{row("A1", "p1")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The destination refused the payload outright: retrying forever in
	// errored would never succeed, so the row moves to ignored.
	if summary.Ignored != 1 || summary.Errored != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestLoaderServerFaultErrored(t *testing.T) {
	store := newTestStore(t)

	s := &fakeStrategy{}
	s.submitFn = func(Submission) (string, error) {
		return "", &emr.RequestError{StatusCode: 503, Body: "try later"}
	}

	summary, err := newLoader(t, store, s).Load(context.Background(), []Row{row("A1", "p1")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if summary.Errored != 1 || summary.Ignored != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestLoaderMultiSubmission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := &fakeStrategy{}
	s.prepareFn = func(r Row) (*Prepared, error) {
		return &Prepared{
			PatientKey: "k1",
			Submissions: []Submission{
				{DoneExtra: []string{"code-a"}},
				{DoneExtra: []string{"code-b"}},
			},
		}, nil
	}

	summary, err := newLoader(t, store, s).Load(ctx, []Row{row("A1", "p1")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if summary.Done != 2 || s.submitted != 2 {
		t.Errorf("Done = %d, submitted = %d", summary.Done, s.submitted)
	}
}

func TestLoaderFinalizeFailureKeepsDone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := &fakeStrategy{}
	s.prepareFn = func(r Row) (*Prepared, error) {
		return &Prepared{
			PatientKey: "k1",
			Submissions: []Submission{{
				Finalize: func(context.Context, string) error { return errors.New("commit failed") },
			}},
		}, nil
	}

	summary, err := newLoader(t, store, s).Load(ctx, []Row{row("A1", "p1")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if summary.Done != 1 || summary.Errored != 1 {
		t.Errorf("summary = %+v", summary)
	}

	// The create landed, so a resumed run must not repeat it even though
	// the finalize step failed.
	reloaded, err := OpenLedger(ctx, store, "fake")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if !reloaded.IsDone("A1") {
		t.Error("A1 should stay done despite the finalize failure")
	}
}

func TestLoaderAuthFailureAborts(t *testing.T) {
	store := newTestStore(t)

	s := &fakeStrategy{}
	s.submitFn = func(Submission) (string, error) {
		return "", fmt.Errorf("refreshing token: %w", emr.ErrAuth)
	}

	_, err := newLoader(t, store, s).Load(context.Background(), []Row{row("A1", "p1"), row("A2", "p2")})
	if !errors.Is(err, emr.ErrAuth) {
		t.Errorf("err = %v, want ErrAuth to abort the run", err)
	}
}
