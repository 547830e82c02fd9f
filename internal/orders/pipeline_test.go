package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubProcessor struct {
	mu         sync.Mutex
	inFlight   int32
	maxSeen    int32
	delay      time.Duration
	finish     Status
	err        error
	processed  []string
	cancelled  atomic.Int32
	blockUntil chan struct{}
}

func (s *stubProcessor) ProcessOrder(ctx context.Context, order *Order) error {
	current := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		max := atomic.LoadInt32(&s.maxSeen)
		if current <= max || atomic.CompareAndSwapInt32(&s.maxSeen, max, current) {
			break
		}
	}

	if s.blockUntil != nil {
		select {
		case <-s.blockUntil:
		case <-ctx.Done():
			s.cancelled.Add(1)
			order.SetStatus(StatusFailed)
			return ctx.Err()
		}
	} else if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			s.cancelled.Add(1)
			order.SetStatus(StatusFailed)
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.processed = append(s.processed, order.OrderID)
	s.mu.Unlock()

	status := s.finish
	if status == "" {
		status = StatusCompleted
	}
	order.SetStatus(status)
	return s.err
}

func feedOrders(orderList []*Order) <-chan *Order {
	in := make(chan *Order, len(orderList))
	for _, order := range orderList {
		in <- order
	}
	close(in)
	return in
}

func TestPipeline_ProcessesAllAndReportsOutcomes(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{}
	var mu sync.Mutex
	var outcomes []Outcome
	p := NewPipeline(proc, func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}, PipelineConfig{Workers: 4, Logf: t.Logf})

	orderList := DefaultOrders("marketplace1")
	submitted := p.Run(context.Background(), feedOrders(orderList))

	if submitted != len(orderList) {
		t.Fatalf("submitted = %d, want %d", submitted, len(orderList))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != len(orderList) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(orderList))
	}
	for _, o := range outcomes {
		if o.Status != StatusCompleted || o.Err != nil {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	}
}

func TestPipeline_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{delay: 20 * time.Millisecond}
	p := NewPipeline(proc, nil, PipelineConfig{Workers: 3, Logf: t.Logf})

	p.Run(context.Background(), feedOrders(DefaultOrders("marketplace1")))

	if max := atomic.LoadInt32(&proc.maxSeen); max > 3 {
		t.Fatalf("concurrency exceeded worker bound: %d", max)
	}
}

func TestPipeline_ReportsFailures(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("saga failed")
	proc := &stubProcessor{finish: StatusCancelled, err: wantErr}
	var mu sync.Mutex
	var outcomes []Outcome
	p := NewPipeline(proc, func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}, PipelineConfig{Workers: 2, Logf: t.Logf})

	orderList := []*Order{NewOrder("O1", "customer1", "marketplace1", nil)}
	p.Run(context.Background(), feedOrders(orderList))

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if outcomes[0].Status != StatusCancelled || !errors.Is(outcomes[0].Err, wantErr) {
		t.Fatalf("unexpected outcome: %+v", outcomes[0])
	}
}

func TestPipeline_SubmitDelayBetweenOrders(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{}
	var delays int32
	p := NewPipeline(proc, nil, PipelineConfig{
		Workers:     1,
		SubmitDelay: time.Second,
		Logf:        t.Logf,
		Sleep: func(ctx context.Context, d time.Duration) error {
			atomic.AddInt32(&delays, 1)
			return nil
		},
	})

	orderList := []*Order{
		NewOrder("O1", "c1", "m1", nil),
		NewOrder("O2", "c2", "m1", nil),
		NewOrder("O3", "c3", "m1", nil),
	}
	p.Run(context.Background(), feedOrders(orderList))

	if got := atomic.LoadInt32(&delays); got != 3 {
		t.Fatalf("submit delays = %d, want 3", got)
	}
}

func TestPipeline_ShutdownStopsIntakeAndDrains(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{delay: 50 * time.Millisecond}
	var mu sync.Mutex
	var outcomes []Outcome
	p := NewPipeline(proc, func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}, PipelineConfig{Workers: 2, GracePeriod: time.Second, Logf: t.Logf})

	in := make(chan *Order)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- p.Run(ctx, in) }()

	in <- NewOrder("O1", "c1", "m1", nil)
	in <- NewOrder("O2", "c2", "m1", nil)
	time.Sleep(10 * time.Millisecond)
	cancel()

	submitted := <-done
	if submitted != 2 {
		t.Fatalf("submitted = %d, want 2", submitted)
	}
	// In-flight orders finished inside the grace period.
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	if proc.cancelled.Load() != 0 {
		t.Fatalf("orders were force-cancelled despite grace period")
	}
}

func TestPipeline_GracePeriodForcesCancellation(t *testing.T) {
	t.Parallel()

	proc := &stubProcessor{blockUntil: make(chan struct{})}
	p := NewPipeline(proc, nil, PipelineConfig{Workers: 1, GracePeriod: 30 * time.Millisecond, Logf: t.Logf})

	in := make(chan *Order)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- p.Run(ctx, in) }()

	in <- NewOrder("O1", "c1", "m1", nil)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not force-cancel after grace period")
	}
	if proc.cancelled.Load() != 1 {
		t.Fatalf("expected exactly one forced cancellation, got %d", proc.cancelled.Load())
	}
}

func TestDefaultOrders_Deterministic(t *testing.T) {
	t.Parallel()

	a := DefaultOrders("marketplace1")
	b := DefaultOrders("marketplace1")
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("expected 10 default orders")
	}
	for i := range a {
		if a[i].OrderID != b[i].OrderID || len(a[i].Items) != len(b[i].Items) {
			t.Fatalf("default orders not deterministic at %d", i)
		}
		for _, item := range a[i].Items {
			if item.Quantity <= 0 {
				t.Fatalf("non-positive quantity in default order %s", a[i].OrderID)
			}
		}
	}
}
