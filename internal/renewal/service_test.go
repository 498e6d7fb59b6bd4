package renewal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"renewd/internal/platform"
	"renewd/internal/registry"
	logx "renewd/pkg/logx"
)

type fakeClient struct {
	mu         sync.Mutex
	fetchErr   error
	fetchBody  map[string]any
	renewErr   error
	renewCalls int
	fetchCalls int
}

func (f *fakeClient) Fetch(ctx context.Context, platform, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchBody, nil
}

func (f *fakeClient) Renew(ctx context.Context, platform, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	return f.renewErr
}

func (f *fakeClient) calls() (fetch, renew int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.renewCalls
}

type fakeAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeAlerts) Notify(ctx context.Context, key, text string) {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

const grace = 7 * 24 * time.Hour

func newFixture(t *testing.T, fc *fakeClient) (*Service, *registry.Registry, *fakeAlerts) {
	t.Helper()
	reg := registry.New(registry.Config{
		Platforms: []string{"platform-a", "platform-b"},
		Period:    30 * 24 * time.Hour,
	}, nil, logx.Nop())
	alerts := &fakeAlerts{}
	svc := New(Config{
		Enabled:   true,
		Grace:     grace,
		RetryMax:  2,
		RetryBase: time.Millisecond,
	}, reg, fc, nil, alerts, logx.Nop(), nil)
	return svc, reg, alerts
}

// makeDue rewinds a record's expiry far enough into the past that the grace
// window has elapsed.
func makeDue(t *testing.T, reg *registry.Registry, platform, id string) {
	t.Helper()
	// MarkRenewed sets expiry = at + period, so pick `at` such that expiry
	// lands grace+1h in the past.
	at := time.Now().Add(-(30*24*time.Hour + grace + time.Hour))
	reg.MarkRenewed(context.Background(), platform, id, at)
}

func TestFetchFailureReturnsNil(t *testing.T) {
	fc := &fakeClient{fetchErr: errors.New("boom")}
	svc, _, _ := newFixture(t, fc)

	if got := svc.Fetch(context.Background(), "platform-a", "sub1"); got != nil {
		t.Fatalf("Fetch on error = %v, want nil", got)
	}
}

func TestCheckDueRenewsAndAdvancesExpiry(t *testing.T) {
	fc := &fakeClient{}
	svc, reg, _ := newFixture(t, fc)
	ctx := context.Background()

	reg.Add(ctx, "platform-a", "sub1")
	makeDue(t, reg, "platform-a", "sub1")
	if got := reg.Due(time.Now(), grace); len(got) != 1 {
		t.Fatalf("setup: record not due")
	}

	stats := svc.CheckDue(ctx)
	if stats.Renewed != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 1 renewed", stats)
	}
	if got := reg.Due(time.Now(), grace); len(got) != 0 {
		t.Fatalf("record still due after renewal")
	}
	rec, _ := reg.Get("platform-a", "sub1")
	if rec.RenewCount != 2 { // makeDue marks once, the cycle once more
		t.Fatalf("RenewCount = %d, want 2", rec.RenewCount)
	}
}

func TestCheckDueFreshRecordUntouched(t *testing.T) {
	fc := &fakeClient{}
	svc, reg, _ := newFixture(t, fc)
	ctx := context.Background()

	reg.Add(ctx, "platform-a", "sub1")
	stats := svc.CheckDue(ctx)
	if stats.Due != 0 || stats.Renewed != 0 {
		t.Fatalf("stats = %+v, want nothing due", stats)
	}
	if _, renews := fc.calls(); renews != 0 {
		t.Fatalf("renew called %d times for a fresh record", renews)
	}
}

func TestRenewFailureKeepsRecordDueAndAlerts(t *testing.T) {
	fc := &fakeClient{renewErr: errors.New("platform down")}
	svc, reg, alerts := newFixture(t, fc)
	ctx := context.Background()

	reg.Add(ctx, "platform-a", "sub1")
	makeDue(t, reg, "platform-a", "sub1")
	before, _ := reg.Get("platform-a", "sub1")

	stats := svc.CheckDue(ctx)
	if stats.Failed != 1 || stats.Renewed != 0 {
		t.Fatalf("stats = %+v, want 1 failed", stats)
	}
	after, _ := reg.Get("platform-a", "sub1")
	if !after.Expiry.Equal(before.Expiry) {
		t.Fatalf("failed renewal moved expiry")
	}
	if after.LastError == "" {
		t.Fatalf("LastError not recorded")
	}
	if got := reg.Due(time.Now(), grace); len(got) != 1 {
		t.Fatalf("record no longer due after failed renewal")
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want 1", alerts.count())
	}
}

func TestRenewRetriesTransientErrors(t *testing.T) {
	fc := &fakeClient{renewErr: errors.New("timeout")}
	svc, reg, _ := newFixture(t, fc)
	ctx := context.Background()

	reg.Add(ctx, "platform-a", "sub1")
	makeDue(t, reg, "platform-a", "sub1")

	svc.CheckDue(ctx)
	if _, renews := fc.calls(); renews != 3 { // initial + RetryMax
		t.Fatalf("renew attempts = %d, want 3", renews)
	}
}

func TestRenewDoesNotRetryClientErrors(t *testing.T) {
	fc := &fakeClient{renewErr: &platform.StatusError{Method: "POST", URL: "u", Code: 402}}
	svc, reg, _ := newFixture(t, fc)
	ctx := context.Background()

	reg.Add(ctx, "platform-a", "sub1")
	makeDue(t, reg, "platform-a", "sub1")

	svc.CheckDue(ctx)
	if _, renews := fc.calls(); renews != 1 {
		t.Fatalf("renew attempts = %d, want 1 (no retry on 4xx)", renews)
	}
	outs, _ := svc.Snapshot()
	if len(outs) != 1 || outs[0].HTTPStatus != 402 {
		t.Fatalf("outcome = %+v, want http 402 recorded", outs)
	}
}

func TestCycleContinuesPastFailures(t *testing.T) {
	fc := &fakeClient{renewErr: errors.New("down")}
	svc, reg, _ := newFixture(t, fc)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		reg.Add(ctx, "platform-a", id)
		makeDue(t, reg, "platform-a", id)
	}
	stats := svc.CheckDue(ctx)
	if stats.Due != 3 || stats.Failed != 3 {
		t.Fatalf("stats = %+v, want all 3 attempted and failed", stats)
	}
}

func TestOverlappingCycleSkipped(t *testing.T) {
	fc := &fakeClient{}
	svc, _, _ := newFixture(t, fc)

	svc.inCycle.Store(true)
	stats := svc.CheckDue(context.Background())
	if !stats.Skipped {
		t.Fatalf("overlapping cycle not skipped")
	}
}

func TestSnapshotNewestFirst(t *testing.T) {
	fc := &fakeClient{}
	svc, reg, _ := newFixture(t, fc)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		reg.Add(ctx, "platform-a", id)
		makeDue(t, reg, "platform-a", id)
	}
	svc.CheckDue(ctx)

	outs, last := svc.Snapshot()
	if len(outs) != 2 {
		t.Fatalf("history = %d entries, want 2", len(outs))
	}
	if outs[0].At.Before(outs[1].At) {
		t.Fatalf("history not newest-first")
	}
	if last.Renewed != 2 {
		t.Fatalf("last cycle = %+v", last)
	}
}

func TestRefreshAllSurvivesFetchErrors(t *testing.T) {
	fc := &fakeClient{fetchErr: errors.New("boom")}
	svc, reg, _ := newFixture(t, fc)
	ctx := context.Background()

	reg.Add(ctx, "platform-a", "sub1")
	reg.Add(ctx, "platform-b", "sub2")
	svc.RefreshAll(ctx)

	if fetches, _ := fc.calls(); fetches != 2 {
		t.Fatalf("fetch calls = %d, want 2", fetches)
	}
}
