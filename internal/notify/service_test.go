package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "renewd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  int // fail this many sends before succeeding
	calls int
}

func (f *fakeSender) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) snapshot() (sent []string, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDeliversQueuedAlerts(t *testing.T) {
	fs := &fakeSender{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Enqueue(context.Background(), Alert{Key: "k1", Text: "hello"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		sent, _ := fs.snapshot()
		return len(sent) == 1
	})
}

func TestDisabledRejects(t *testing.T) {
	s := New(Config{Enabled: false}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := s.Enqueue(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	fs := &fakeSender{}
	s := New(Config{
		Enabled: true, Workers: 1, RatePerSec: 1000,
		DedupWindow: time.Minute,
	}, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(context.Background(), Alert{Key: "same", Text: "repeat"}); err != nil {
			t.Fatalf("Enqueue #%d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		sent, _ := fs.snapshot()
		return len(sent) >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if sent, _ := fs.snapshot(); len(sent) != 1 {
		t.Fatalf("sent = %d, want 1 (deduped)", len(sent))
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	fs := &fakeSender{fail: 2}
	s := New(Config{
		Enabled: true, Workers: 1, RatePerSec: 1000,
		RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	}, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Enqueue(context.Background(), Alert{Key: "k", Text: "eventually"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		sent, calls := fs.snapshot()
		return len(sent) == 1 && calls == 3
	})
}

func TestStopDrainsQueue(t *testing.T) {
	fs := &fakeSender{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		_ = s.Enqueue(context.Background(), Alert{Text: "msg"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if _, calls := fs.snapshot(); calls == 0 {
		t.Fatalf("queue not drained on stop")
	}
	if err := s.Enqueue(context.Background(), Alert{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("post-stop err = %v, want ErrStopped", err)
	}
}
