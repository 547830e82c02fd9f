package orders

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Processor drives one order to a terminal status.
type Processor interface {
	ProcessOrder(ctx context.Context, order *Order) error
}

// Outcome is the per-order result surfaced to the supplier.
type Outcome struct {
	OrderID string
	Status  Status
	Err     error
}

// PipelineConfig configures the order pipeline.
type PipelineConfig struct {
	Workers     int
	SubmitDelay time.Duration
	GracePeriod time.Duration
	Logf        func(format string, args ...any)
	Sleep       func(context.Context, time.Duration) error
}

// Pipeline accepts a stream of orders and submits each to the processor
// with bounded concurrency, reporting outcomes as sagas finish. Shutdown
// stops intake and drains in-flight orders for a grace period before
// cancelling them.
type Pipeline struct {
	processor   Processor
	report      func(Outcome)
	workers     int
	submitDelay time.Duration
	gracePeriod time.Duration
	logf        func(format string, args ...any)
	sleep       func(context.Context, time.Duration) error
}

// NewPipeline constructs a pipeline over the given processor. The report
// callback receives one outcome per submitted order.
func NewPipeline(processor Processor, report func(Outcome), cfg PipelineConfig) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 10
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Second
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	if report == nil {
		report = func(Outcome) {}
	}
	return &Pipeline{
		processor:   processor,
		report:      report,
		workers:     workers,
		submitDelay: cfg.SubmitDelay,
		gracePeriod: gracePeriod,
		logf:        logf,
		sleep:       sleep,
	}
}

// Run consumes orders until the input channel closes or the context ends,
// then drains. It returns the number of orders submitted.
func (p *Pipeline) Run(ctx context.Context, in <-chan *Order) int {
	if ctx == nil {
		ctx = context.Background()
	}

	// Workers run on a detached context so that shutdown grants in-flight
	// sagas the grace period before forcing cancellation.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()
	drained := make(chan struct{})
	go func() {
		select {
		case <-drained:
		case <-ctx.Done():
			timer := time.NewTimer(p.gracePeriod)
			defer timer.Stop()
			select {
			case <-drained:
			case <-timer.C:
				p.logf("pipeline: grace period elapsed, cancelling in-flight orders")
				workCancel()
			}
		}
	}()

	queue := make(chan *Order)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for order := range queue {
				p.process(workCtx, order)
			}
		}()
	}

	submitted := 0
feed:
	for {
		select {
		case <-ctx.Done():
			break feed
		case order, ok := <-in:
			if !ok {
				break feed
			}
			queue <- order
			submitted++
			if p.submitDelay > 0 {
				if err := p.sleep(ctx, p.submitDelay); err != nil {
					break feed
				}
			}
		}
	}
	close(queue)
	wg.Wait()
	close(drained)
	return submitted
}

func (p *Pipeline) process(ctx context.Context, order *Order) {
	p.logf("pipeline: submitting order %s", order.OrderID)
	err := p.processor.ProcessOrder(ctx, order)
	outcome := Outcome{OrderID: order.OrderID, Status: order.Status(), Err: err}
	if err != nil {
		p.logf("pipeline: order %s finished %s: %v", order.OrderID, outcome.Status, err)
	} else {
		p.logf("pipeline: order %s finished %s", order.OrderID, outcome.Status)
	}
	p.report(outcome)
}

// DefaultOrders generates the built-in order set used when no supplier
// input is configured: ten orders rotating across products, sellers and
// quantities.
func DefaultOrders(marketplaceID string) []*Order {
	out := make([]*Order, 0, 10)
	for i := 1; i <= 10; i++ {
		itemCount := 1 + i%3
		items := make([]Item, 0, itemCount)
		for j := 0; j < itemCount; j++ {
			items = append(items, Item{
				ProductID: fmt.Sprintf("P%d", 1+(i*j)%3),
				SellerID:  fmt.Sprintf("seller%d", 1+(i+j)%5),
				Quantity:  1 + i%4,
			})
		}
		out = append(out, NewOrder(fmt.Sprintf("O%d", i), fmt.Sprintf("customer%d", i), marketplaceID, items))
	}
	return out
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
