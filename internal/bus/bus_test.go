package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeService blocks until cancellation by default; runFn overrides that.
type fakeService struct {
	id    ServiceID
	runFn func(ctx context.Context) error

	mu      sync.Mutex
	handled []Command
}

func (f *fakeService) ID() ServiceID { return f.id }

func (f *fakeService) Run(ctx context.Context) error {
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeService) HandleCommand(_ context.Context, cmd Command) error {
	f.mu.Lock()
	f.handled = append(f.handled, cmd)
	f.mu.Unlock()
	return nil
}

// recordingMiddleware tags every observed event kind onto a shared channel.
type recordingMiddleware struct {
	name    string
	verdict Verdict
	seen    chan string
}

func (m *recordingMiddleware) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *recordingMiddleware) OnEvent(ev *Event) (Verdict, error) {
	m.seen <- m.name + ":" + KindName(ev.Kind)
	return m.verdict, nil
}

func fastReconnection() ReconnectionConfig {
	return ReconnectionConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1.5,
		JitterFactor: 0,
	}
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("observed %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestBusPipelineOrderAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evtCh := NewEventChannel(8)
	cmdCh := NewCommandChannel(8)
	seen := make(chan string, 16)

	first := &recordingMiddleware{name: "first", verdict: VerdictContinue, seen: seen}
	stopper := &recordingMiddleware{name: "stopper", verdict: VerdictStop, seen: seen}
	last := &recordingMiddleware{name: "last", verdict: VerdictContinue, seen: seen}

	svc := &fakeService{id: "svc"}
	b := New(evtCh, cmdCh,
		map[ServiceID]Service{"svc": svc},
		map[ServiceID][]Middleware{"svc": {first, stopper, last}},
		fastReconnection())
	go b.Run(ctx)

	evtCh <- Event{ServiceID: "svc", Kind: RoomMessage{RoomID: "r", Body: "hi"}}

	waitFor(t, seen, "first:room_message")
	waitFor(t, seen, "stopper:room_message")

	select {
	case got := <-seen:
		t.Fatalf("pipeline continued past stop verdict: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusDropsEventWithoutPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evtCh := NewEventChannel(8)
	cmdCh := NewCommandChannel(8)
	seen := make(chan string, 16)
	mw := &recordingMiddleware{name: "mw", verdict: VerdictContinue, seen: seen}

	b := New(evtCh, cmdCh,
		map[ServiceID]Service{"a": &fakeService{id: "a"}, "b": &fakeService{id: "b"}},
		map[ServiceID][]Middleware{"a": {mw}},
		fastReconnection())
	go b.Run(ctx)

	evtCh <- Event{ServiceID: "b", Kind: RoomMessage{RoomID: "r", Body: "dropped"}}
	evtCh <- Event{ServiceID: "a", Kind: RoomMessage{RoomID: "r", Body: "kept"}}

	// Only the second event may arrive; arrival order proves the first was
	// not queued behind it.
	waitFor(t, seen, "mw:room_message")
	select {
	case got := <-seen:
		t.Fatalf("unexpected extra dispatch: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusRestartsFailingService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	started := make(chan struct{}, 16)
	svc := &fakeService{id: "flaky"}
	svc.runFn = func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		return errors.New("connection lost")
	}

	b := New(NewEventChannel(8), NewCommandChannel(8),
		map[ServiceID]Service{"flaky": svc},
		map[ServiceID][]Middleware{},
		fastReconnection())
	go b.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("service was started %d times, want at least 3", runs.Load())
		}
	}
}

func TestBusStopsDuringBackoffOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	exited := make(chan struct{}, 1)
	svc := &fakeService{id: "flaky"}
	svc.runFn = func(ctx context.Context) error {
		select {
		case exited <- struct{}{}:
		default:
		}
		return errors.New("connection lost")
	}

	slow := ReconnectionConfig{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2,
		JitterFactor: 0,
	}
	b := New(NewEventChannel(8), NewCommandChannel(8),
		map[ServiceID]Service{"flaky": svc},
		map[ServiceID][]Middleware{},
		slow)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	<-exited
	// Give the bus a moment to enter the backoff sleep, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop after cancellation during backoff")
	}
}

func TestBusEmitsLifecycleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	svc := &fakeService{id: "flaky"}
	svc.runFn = func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("connection lost")
		}
		<-ctx.Done()
		return nil
	}

	seen := make(chan string, 16)
	mw := &recordingMiddleware{name: "mon", verdict: VerdictContinue, seen: seen}
	b := New(NewEventChannel(8), NewCommandChannel(8),
		map[ServiceID]Service{"flaky": svc},
		map[ServiceID][]Middleware{"flaky": {mw}},
		fastReconnection())
	go b.Run(ctx)

	waitFor(t, seen, "mon:service_disconnected")
	waitFor(t, seen, "mon:service_reconnecting")
}

// eventTapMiddleware forwards every observed event to a channel.
type eventTapMiddleware struct {
	events chan Event
}

func (m *eventTapMiddleware) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *eventTapMiddleware) OnEvent(ev *Event) (Verdict, error) {
	m.events <- *ev
	return VerdictContinue, nil
}

func TestBusResetsBackoffAfterLongHealthyRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	svc := &fakeService{id: "flaky"}
	svc.runFn = func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1, 2:
			return errors.New("connection lost")
		case 3:
			// Outlives the recovery threshold, then drops again.
			time.Sleep(80 * time.Millisecond)
			return errors.New("connection lost")
		default:
			<-ctx.Done()
			return nil
		}
	}

	events := make(chan Event, 32)
	tap := &eventTapMiddleware{events: events}
	b := New(NewEventChannel(8), NewCommandChannel(8),
		map[ServiceID]Service{"flaky": svc},
		map[ServiceID][]Middleware{"flaky": {tap}},
		ReconnectionConfig{
			InitialDelay:      10 * time.Millisecond,
			MaxDelay:          200 * time.Millisecond,
			Multiplier:        4,
			JitterFactor:      0,
			RecoveryThreshold: 30 * time.Millisecond,
		})
	go b.Run(ctx)

	waitReconnecting := func() ServiceReconnecting {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-events:
				if k, ok := ev.Kind.(ServiceReconnecting); ok {
					return k
				}
			case <-deadline:
				t.Fatal("timed out waiting for a reconnecting event")
			}
		}
	}
	waitReconnected := func() ServiceReconnected {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-events:
				if k, ok := ev.Kind.(ServiceReconnected); ok {
					return k
				}
			case <-deadline:
				t.Fatal("timed out waiting for a reconnected event")
			}
		}
	}

	if r := waitReconnecting(); r.Attempt != 1 || r.Delay != 10*time.Millisecond {
		t.Errorf("first reconnect = attempt %d delay %v, want attempt 1 delay 10ms", r.Attempt, r.Delay)
	}
	if r := waitReconnecting(); r.Attempt != 2 || r.Delay != 40*time.Millisecond {
		t.Errorf("second reconnect = attempt %d delay %v, want attempt 2 delay 40ms", r.Attempt, r.Delay)
	}

	// The third run stays up past the threshold, so its exit counts as the
	// end of the outage: the failure streak resets and the backoff restarts
	// from the initial delay.
	if rec := waitReconnected(); rec.TotalAttempts != 2 {
		t.Errorf("reconnected after %d attempts, want 2", rec.TotalAttempts)
	}
	if r := waitReconnecting(); r.Attempt != 1 || r.Delay != 10*time.Millisecond {
		t.Errorf("post-recovery reconnect = attempt %d delay %v, want attempt 1 delay 10ms", r.Attempt, r.Delay)
	}
}

func TestBusDispatchesCommandToTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &fakeService{id: "svc"}
	cmdCh := NewCommandChannel(8)
	b := New(NewEventChannel(8), cmdCh,
		map[ServiceID]Service{"svc": svc},
		map[ServiceID][]Middleware{},
		fastReconnection())
	go b.Run(ctx)

	reply := NewReply()
	cmdCh <- SendRoomMessage{ServiceID: "svc", RoomID: "r", Body: "hi", Reply: reply}

	deadline := time.After(2 * time.Second)
	for {
		svc.mu.Lock()
		n := len(svc.handled)
		svc.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("command never reached the target service")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBusDropsReplyForUnknownTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmdCh := NewCommandChannel(8)
	b := New(NewEventChannel(8), cmdCh,
		map[ServiceID]Service{"svc": &fakeService{id: "svc"}},
		map[ServiceID][]Middleware{},
		fastReconnection())
	go b.Run(ctx)

	reply := NewReply()
	cmdCh <- SendRoomMessage{ServiceID: "ghost", RoomID: "r", Body: "hi", Reply: reply}

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	_, err := reply.Await(awaitCtx)
	if !errors.Is(err, ErrReplyDropped) {
		t.Errorf("Await() error = %v, want ErrReplyDropped", err)
	}
}

func TestBusStartsSharedMiddlewareOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	shared := &countingRunMiddleware{runs: &runs}

	b := New(NewEventChannel(8), NewCommandChannel(8),
		map[ServiceID]Service{"a": &fakeService{id: "a"}, "b": &fakeService{id: "b"}},
		map[ServiceID][]Middleware{"a": {shared}, "b": {shared}},
		fastReconnection())
	go b.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("shared middleware Run started %d times, want 1", got)
	}
}

type countingRunMiddleware struct {
	runs *atomic.Int32
}

func (m *countingRunMiddleware) Run(ctx context.Context) error {
	m.runs.Add(1)
	<-ctx.Done()
	return nil
}

func (m *countingRunMiddleware) OnEvent(*Event) (Verdict, error) {
	return VerdictContinue, nil
}

func TestKindName(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{DirectMessage{}, "direct_message"},
		{RoomMessage{}, "room_message"},
		{UserListUpdate{}, "user_list_update"},
		{ServiceDisconnected{}, "service_disconnected"},
		{ServiceReconnecting{}, "service_reconnecting"},
		{ServiceReconnected{}, "service_reconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := KindName(tt.kind); got != tt.want {
				t.Errorf("KindName(%T) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	rc := ReconnectionConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0,
	}
	bo := rc.newBackoff()

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		delays = append(delays, bo.NextBackOff())
	}

	want := []time.Duration{100, 200, 400, 400}
	for i, w := range want {
		if delays[i] != w*time.Millisecond {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], fmt.Sprint(w*time.Millisecond))
		}
	}
}
