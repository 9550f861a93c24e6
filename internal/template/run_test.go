package template

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-migrate/internal/migration"
	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
)

func allergyCSV(rows ...[]string) string {
	header := "ID|Patient Identifier|Clinical Status|Type|FDB Code|Name|Onset Date|Free Text Note|Reaction|Recorded Provider|Severity|Original Name"
	lines := []string{header}
	for _, row := range rows {
		lines = append(lines, strings.Join(row, "|"))
	}
	return strings.Join(lines, "\n") + "\n"
}

// A full allergy run: the mappable row lands and is recorded done, the row
// with a placeholder name is ignored with its reason, and a second run over
// the same file touches nothing.
func TestRunAllergyEndToEnd(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}

	store, err := blobstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	maps := migration.NewIdentifierMaps()
	maps.Set(migration.KindPatient, map[string]string{
		"p1": "canvas-p1",
		"p2": "canvas-p2",
	})
	notes, err := migration.NewNoteProvider(ctx, api, store, migration.NoteConfig{
		TypeName:  "Historical Data Entry",
		StartTime: "2024-01-01",
	})
	if err != nil {
		t.Fatal(err)
	}
	strategy := NewAllergy(Deps{API: api, Maps: maps, Notes: notes})

	job := &migration.Job{
		Store: store,
		Maps:  maps,
		Log:   zerolog.Nop(),
	}

	csv := allergyCSV(
		[]string{"A1", "p1", "active", "allergy", "6-1234", "Penicillin", "", "", "", "", "", ""},
		[]string{"A2", "p2", "active", "allergy", "6-9999", "—", "", "", "", "", "", ""},
	)
	if err := job.Store.Put(ctx, "allergy.csv", []byte(csv)); err != nil {
		t.Fatal(err)
	}

	summary, err := job.Run(ctx, strategy, "allergy.csv")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Ignored != 1 || summary.Errored != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := summary.IgnoreReasons["Allergy is missing a name"]; len(got) != 1 || got[0] != "A2" {
		t.Errorf("ignore reasons = %v", summary.IgnoreReasons)
	}
	if len(api.creates) != 1 {
		t.Fatalf("remote creates = %d, want 1", len(api.creates))
	}

	done, err := job.Store.Get(ctx, "done_allergy.csv")
	if err != nil {
		t.Fatalf("reading done ledger: %v", err)
	}
	if !strings.Contains(string(done), "A1|p1|canvas-p1|created-1") {
		t.Errorf("done ledger = %q", done)
	}
	ignored, err := job.Store.Get(ctx, "ignored_allergy.csv")
	if err != nil {
		t.Fatalf("reading ignored ledger: %v", err)
	}
	if !strings.Contains(string(ignored), "A2|Allergy is missing a name") {
		t.Errorf("ignored ledger = %q", ignored)
	}

	// Second run over the same file: both rows skip, no new remote calls,
	// no new ledger lines.
	summary, err = job.Run(ctx, strategy, "allergy.csv")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.AlreadyDone != 2 || summary.Done != 0 || summary.Ignored != 0 {
		t.Fatalf("second summary = %+v", summary)
	}
	if len(api.creates) != 1 {
		t.Errorf("remote creates after rerun = %d, want still 1", len(api.creates))
	}

	doneAfter, _ := job.Store.Get(ctx, "done_allergy.csv")
	ignoredAfter, _ := job.Store.Get(ctx, "ignored_allergy.csv")
	if string(doneAfter) != string(done) || string(ignoredAfter) != string(ignored) {
		t.Error("rerun changed the ledgers")
	}
}
