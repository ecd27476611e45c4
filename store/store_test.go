package store_test

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/genq/dbopen"
	"github.com/hazyhaar/genq/idgen"
	"github.com/hazyhaar/genq/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	return store.New(db, store.WithIDGenerator(idgen.Sequential("dl_")))
}

// seedRequests inserts prompts and returns nothing; ordinals are 1-based
// insertion order.
func seedRequests(t *testing.T, st *store.Store, prompts ...string) {
	t.Helper()
	if _, _, err := st.InsertPrompts(context.Background(), prompts, 3); err != nil {
		t.Fatalf("InsertPrompts: %v", err)
	}
}

// ackRequest walks request idx through submitting → in_progress with the
// given attempt operation IDs.
func ackRequest(t *testing.T, st *store.Store, idx int64, opIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if err := st.MarkSubmitting(ctx, idx); err != nil {
		t.Fatalf("MarkSubmitting(%d): %v", idx, err)
	}
	seeds := make([]store.AttemptSeed, len(opIDs))
	for i, id := range opIDs {
		seeds[i] = store.AttemptSeed{OperationID: id, SceneID: "scene-" + id}
	}
	if err := st.MarkInProgress(ctx, idx, seeds, 8); err != nil {
		t.Fatalf("MarkInProgress(%d): %v", idx, err)
	}
}

func requestStatus(t *testing.T, st *store.Store, idx int64) string {
	t.Helper()
	req, err := st.GetRequest(context.Background(), idx)
	if err != nil {
		t.Fatalf("GetRequest(%d): %v", idx, err)
	}
	if req == nil {
		t.Fatalf("GetRequest(%d): not found", idx)
	}
	return req.Status
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := store.Fingerprint("a cat  on\tthe mat")
	b := store.Fingerprint("  a cat on the mat ")
	if a != b {
		t.Errorf("fingerprints differ for whitespace variants:\n%s\n%s", a, b)
	}
	if a == store.Fingerprint("a dog on the mat") {
		t.Error("distinct prompts produced the same fingerprint")
	}
}

func TestInsertPromptsDeduplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	inserted, skipped, err := st.InsertPrompts(ctx, []string{"one", "two", "one", " one "}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 2 || skipped != 2 {
		t.Errorf("inserted=%d skipped=%d, want 2/2", inserted, skipped)
	}

	// Re-running the same batch is idempotent.
	inserted, skipped, err = st.InsertPrompts(ctx, []string{"one", "two"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 0 || skipped != 2 {
		t.Errorf("second run inserted=%d skipped=%d, want 0/2", inserted, skipped)
	}
}

func TestOrdinalsFollowInsertionOrder(t *testing.T) {
	st := newTestStore(t)
	seedRequests(t, st, "first", "second", "third")

	for idx, want := range map[int64]string{1: "first", 2: "second", 3: "third"} {
		req, err := st.GetRequest(context.Background(), idx)
		if err != nil {
			t.Fatal(err)
		}
		if req == nil || req.Prompt != want {
			t.Errorf("request %d: got %+v, want prompt %q", idx, req, want)
		}
	}
}
