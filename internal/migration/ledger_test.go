package migration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
)

func newTestStore(t *testing.T) blobstore.Store {
	t.Helper()
	store, err := blobstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return store
}

func TestLedgerHeadersOnFirstWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ledger, err := OpenLedger(ctx, store, "allergy")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := ledger.Done(ctx, "A1", "p1", "key1", "res1", "fdb-9"); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if err := ledger.Done(ctx, "A2", "p2", "key2", "res2"); err != nil {
		t.Fatalf("Done: %v", err)
	}

	data, err := store.Get(ctx, "done_allergy.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d: %q", len(lines), data)
	}
	if lines[0] != "id|patient_id|patient_key|resource_key" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "A1|p1|key1|res1|fdb-9" {
		t.Errorf("first line = %q", lines[1])
	}
}

func TestLedgerReloadSkipsDoneAndIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := OpenLedger(ctx, store, "vitals")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := first.Done(ctx, "V1", "p1", "k1", "r1"); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if err := first.Ignore(ctx, "V2", "vital sign data all null"); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	if err := first.Error(ctx, "V3", "p3", "k3", errors.New("boom")); err != nil {
		t.Fatalf("Error: %v", err)
	}

	second, err := OpenLedger(ctx, store, "vitals")
	if err != nil {
		t.Fatalf("OpenLedger (reload): %v", err)
	}
	if !second.IsDone("V1") {
		t.Error("V1 should reload as done")
	}
	if !second.IsIgnored("V2") {
		t.Error("V2 should reload as ignored")
	}
	// Errored rows retry automatically, so they never enter a skip set.
	if second.IsDone("V3") || second.IsIgnored("V3") {
		t.Error("V3 must not be skipped on the next run")
	}
}

func TestLedgerSeenGuardsDuplicateInputIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ledger, err := OpenLedger(ctx, store, "allergy")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if ledger.IsDone("A1") {
		t.Fatal("fresh ledger should not know A1")
	}
	if err := ledger.Done(ctx, "A1", "p1", "k1", "r1"); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if !ledger.IsDone("A1") {
		t.Error("A1 should be skipped for the rest of this run")
	}
}

func TestLedgerFlattensReasons(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ledger, err := OpenLedger(ctx, store, "coverage")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := ledger.Error(ctx, "C1", "p1", "k1", errors.New("first line\nsecond line")); err != nil {
		t.Fatalf("Error: %v", err)
	}

	data, err := store.Get(ctx, "errored_coverage.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("multi-line reason leaked into the ledger: %q", data)
	}
}

func TestLedgerDelimiterInReasonIsQuoted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ledger, err := OpenLedger(ctx, store, "allergy")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := ledger.Ignore(ctx, "A1", "status 422 | bad coding"); err != nil {
		t.Fatalf("Ignore: %v", err)
	}

	reloaded, err := OpenLedger(ctx, store, "allergy")
	if err != nil {
		t.Fatalf("OpenLedger (reload): %v", err)
	}
	if !reloaded.IsIgnored("A1") {
		t.Error("A1 should survive a round trip despite the delimiter in the reason")
	}
}

func TestLedgerCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ledger, err := OpenLedger(ctx, store, "immunization")
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	if err := ledger.Done(ctx, "I1", "p1", "k1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Done(ctx, "I2", "p2", "k2", "r2"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Ignore(ctx, "I3", "no patient map"); err != nil {
		t.Fatal(err)
	}

	counts, err := LedgerCounts(ctx, store, "immunization")
	if err != nil {
		t.Fatalf("LedgerCounts: %v", err)
	}
	if counts.Done != 2 || counts.Ignored != 1 || counts.Errored != 0 {
		t.Errorf("counts = %+v", counts)
	}
}
