package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"renewd/internal/storage"
	logx "renewd/pkg/logx"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{
		Platforms: []string{"platform-a", "platform-b", "platform-c"},
		Period:    30 * 24 * time.Hour,
	}, nil, logx.Nop())
}

func TestAddRejectsUnsupportedPlatform(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if r.Add(ctx, "platform-x", "sub1") {
		t.Fatalf("Add accepted unsupported platform")
	}
	if n := r.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if !r.Add(ctx, "platform-a", "sub1") {
		t.Fatalf("first Add returned false")
	}
	first, _ := r.Get("platform-a", "sub1")

	if r.Add(ctx, "platform-a", "sub1") {
		t.Fatalf("second Add created a record")
	}
	second, _ := r.Get("platform-a", "sub1")
	if !second.Expiry.Equal(first.Expiry) || !second.AddedAt.Equal(first.AddedAt) {
		t.Fatalf("second Add mutated the record: %+v vs %+v", second, first)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if r.Remove(ctx, "platform-a", "missing") {
		t.Fatalf("Remove reported a deletion for an unknown id")
	}
	r.Add(ctx, "platform-a", "sub1")
	if !r.Remove(ctx, "platform-a", "sub1") {
		t.Fatalf("Remove missed a tracked record")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestDueBoundary(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Add(ctx, "platform-a", "sub1")

	rec, ok := r.Get("platform-a", "sub1")
	if !ok {
		t.Fatalf("record missing after Add")
	}
	grace := 7 * 24 * time.Hour

	// Expiry 7 days + 1 second in the past: due.
	now := rec.Expiry.Add(grace + time.Second)
	if got := r.Due(now, grace); len(got) != 1 {
		t.Fatalf("Due(+7d1s) = %d records, want 1", len(got))
	}

	// Expiry exactly 6 days in the past: not due.
	now = rec.Expiry.Add(6 * 24 * time.Hour)
	if got := r.Due(now, grace); len(got) != 0 {
		t.Fatalf("Due(+6d) = %d records, want 0", len(got))
	}

	// Exactly at the boundary: not due (strictly after).
	now = rec.Expiry.Add(grace)
	if got := r.Due(now, grace); len(got) != 0 {
		t.Fatalf("Due(+7d exact) = %d records, want 0", len(got))
	}
}

func TestDueNegativeGraceRenewsAhead(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Add(ctx, "platform-a", "sub1")
	rec, _ := r.Get("platform-a", "sub1")

	grace := -72 * time.Hour
	now := rec.Expiry.Add(-48 * time.Hour) // 2 days before expiry
	if got := r.Due(now, grace); len(got) != 1 {
		t.Fatalf("Due with negative grace = %d records, want 1", len(got))
	}
	now = rec.Expiry.Add(-96 * time.Hour) // 4 days before expiry
	if got := r.Due(now, grace); len(got) != 0 {
		t.Fatalf("Due 4 days early = %d records, want 0", len(got))
	}
}

func TestFreshRecordNotDue(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Add(ctx, "platform-b", "sub1")

	if got := r.Due(time.Now(), 7*24*time.Hour); len(got) != 0 {
		t.Fatalf("freshly added record reported due: %d", len(got))
	}
}

func TestMarkRenewedAdvancesExpiry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Add(ctx, "platform-a", "sub1")

	at := time.Now().Add(time.Hour)
	r.MarkRenewed(ctx, "platform-a", "sub1", at)

	rec, _ := r.Get("platform-a", "sub1")
	want := at.Add(30 * 24 * time.Hour)
	if !rec.Expiry.Equal(want) {
		t.Fatalf("Expiry = %v, want %v", rec.Expiry, want)
	}
	if rec.RenewCount != 1 {
		t.Fatalf("RenewCount = %d, want 1", rec.RenewCount)
	}
	if !rec.LastRenewedAt.Equal(at) {
		t.Fatalf("LastRenewedAt = %v, want %v", rec.LastRenewedAt, at)
	}
}

func TestMarkFailedKeepsRecordDue(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Add(ctx, "platform-a", "sub1")
	rec, _ := r.Get("platform-a", "sub1")

	r.MarkFailed(ctx, "platform-a", "sub1", "http 503")

	after, _ := r.Get("platform-a", "sub1")
	if after.LastError != "http 503" {
		t.Fatalf("LastError = %q", after.LastError)
	}
	if !after.Expiry.Equal(rec.Expiry) {
		t.Fatalf("MarkFailed moved expiry")
	}
}

func TestSyncDesired(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Add(ctx, "platform-a", "keep")
	r.Add(ctx, "platform-a", "drop")

	added, removed := r.SyncDesired(ctx, []Key{
		{Platform: "platform-a", ID: "keep"},
		{Platform: "platform-b", ID: "new"},
		{Platform: "platform-x", ID: "bad"}, // unsupported, must be rejected
	})
	if added != 1 || removed != 1 {
		t.Fatalf("SyncDesired = (%d added, %d removed), want (1, 1)", added, removed)
	}
	if _, ok := r.Get("platform-a", "drop"); ok {
		t.Fatalf("dropped record still tracked")
	}
	if _, ok := r.Get("platform-b", "new"); !ok {
		t.Fatalf("new record not tracked")
	}
	if _, ok := r.Get("platform-x", "bad"); ok {
		t.Fatalf("unsupported platform slipped through SyncDesired")
	}
}

func TestLoadRestoresPersistedRecords(t *testing.T) {
	ctx := context.Background()
	scfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "renewd.db")}

	st, err := storage.Open(scfg, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := Config{Platforms: []string{"platform-a"}, Period: 30 * 24 * time.Hour}

	r := New(cfg, st, logx.Nop())
	r.Add(ctx, "platform-a", "sub1")
	r.MarkRenewed(ctx, "platform-a", "sub1", time.Now())
	before, _ := r.Get("platform-a", "sub1")
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	st2, err := storage.Open(scfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	r2 := New(cfg, st2, logx.Nop())
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	after, ok := r2.Get("platform-a", "sub1")
	if !ok {
		t.Fatalf("record not restored")
	}
	if !after.Expiry.Equal(before.Expiry) || after.RenewCount != 1 {
		t.Fatalf("restored record mismatch: %+v vs %+v", after, before)
	}
}

func TestLoadRestoresLastError(t *testing.T) {
	ctx := context.Background()
	scfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "renewd.db")}

	st, err := storage.Open(scfg, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := Config{Platforms: []string{"platform-a"}, Period: 30 * 24 * time.Hour}

	r := New(cfg, st, logx.Nop())
	r.Add(ctx, "platform-a", "sub1")
	r.MarkFailed(ctx, "platform-a", "sub1", "http 503")
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	st2, err := storage.Open(scfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	r2 := New(cfg, st2, logx.Nop())
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	after, ok := r2.Get("platform-a", "sub1")
	if !ok {
		t.Fatalf("record not restored")
	}
	if after.LastError != "http 503" {
		t.Fatalf("LastError = %q, want %q", after.LastError, "http 503")
	}

	// A subsequent successful renewal clears the persisted error.
	r2.MarkRenewed(ctx, "platform-a", "sub1", time.Now())
	cleared, _ := r2.Get("platform-a", "sub1")
	if cleared.LastError != "" {
		t.Fatalf("LastError after renewal = %q, want empty", cleared.LastError)
	}
}

func TestSnapshotOrderIsStable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.Add(ctx, "platform-b", "2")
	r.Add(ctx, "platform-a", "9")
	r.Add(ctx, "platform-a", "1")

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	wantOrder := []Key{
		{"platform-a", "1"}, {"platform-a", "9"}, {"platform-b", "2"},
	}
	for i, w := range wantOrder {
		if snap[i].Platform != w.Platform || snap[i].ID != w.ID {
			t.Fatalf("snap[%d] = %s/%s, want %s/%s", i, snap[i].Platform, snap[i].ID, w.Platform, w.ID)
		}
	}
}
