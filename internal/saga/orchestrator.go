package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"bazaar/internal/observability"
	"bazaar/internal/orders"
	"bazaar/internal/protocol"
	"bazaar/internal/reliability"

	"github.com/google/uuid"
)

// ErrInvalidTransition marks a state-machine violation. These are bugs and
// fail the saga without retry.
var ErrInvalidTransition = errors.New("invalid saga state transition")

// Requester sends a request to a peer and waits for the correlated response.
// The broker implements it; tests substitute fakes.
type Requester interface {
	SendRequest(ctx context.Context, peerID string, msg protocol.Message) (protocol.Message, error)
}

// OrchestratorConfig configures the saga orchestrator.
type OrchestratorConfig struct {
	MarketplaceID       string
	SagaTimeout         time.Duration
	PhaseTimeout        time.Duration
	CompensationTimeout time.Duration
	Retry               reliability.RetryPolicy
	Breaker             reliability.BreakerConfig
	Metrics             *observability.Metrics
	Logf                func(format string, args ...any)
	NewID               func() string
}

// Orchestrator drives each order through the two-phase reserve/confirm
// protocol, records compensations as reservations are observed, and unwinds
// them in reverse order when any step fails.
type Orchestrator struct {
	marketplaceID       string
	requester           Requester
	store               SnapshotStore
	sagaTimeout         time.Duration
	phaseTimeout        time.Duration
	compensationTimeout time.Duration
	retry               reliability.RetryPolicy
	breakerCfg          reliability.BreakerConfig
	metrics             *observability.Metrics
	logf                func(format string, args ...any)
	newID               func() string

	mu       sync.Mutex
	breakers map[string]*reliability.Breaker
	active   map[string]*Instance
}

// NewOrchestrator constructs an orchestrator over the given transport and store.
func NewOrchestrator(requester Requester, store SnapshotStore, cfg OrchestratorConfig) *Orchestrator {
	sagaTimeout := cfg.SagaTimeout
	if sagaTimeout <= 0 {
		sagaTimeout = 60 * time.Second
	}
	phaseTimeout := cfg.PhaseTimeout
	if phaseTimeout <= 0 {
		phaseTimeout = 10 * time.Second
	}
	compensationTimeout := cfg.CompensationTimeout
	if compensationTimeout <= 0 {
		compensationTimeout = 5 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.BaseDelay == 0 {
		retry = reliability.DefaultRetryPolicy()
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Orchestrator{
		marketplaceID:       cfg.MarketplaceID,
		requester:           requester,
		store:               store,
		sagaTimeout:         sagaTimeout,
		phaseTimeout:        phaseTimeout,
		compensationTimeout: compensationTimeout,
		retry:               retry,
		breakerCfg:          cfg.Breaker,
		metrics:             cfg.Metrics,
		logf:                logf,
		newID:               newID,
		breakers:            make(map[string]*reliability.Breaker),
		active:              make(map[string]*Instance),
	}
}

// ProcessOrder runs one saga to a terminal state and sets the order's final
// status: COMPLETED on success, CANCELLED after clean compensation, FAILED on
// timeout, protocol violation or compensation failure.
func (o *Orchestrator) ProcessOrder(ctx context.Context, order *orders.Order) error {
	if ctx == nil {
		ctx = context.Background()
	}
	inst := NewInstance(o.newID(), order)

	o.mu.Lock()
	o.active[inst.SagaID] = inst
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, inst.SagaID)
		o.mu.Unlock()
	}()

	o.persist(inst)

	sagaCtx, cancel := context.WithTimeout(ctx, o.sagaTimeout)
	defer cancel()

	execErr := o.execute(sagaCtx, inst)
	if execErr == nil {
		order.SetStatus(orders.StatusCompleted)
		o.removeRecord(inst.SagaID)
		return nil
	}
	o.logf("saga %s for order %s: %v", inst.SagaID, order.OrderID, execErr)

	// Compensation runs on a detached context: it must proceed even when
	// the saga deadline has already expired.
	compCtx, compCancel := context.WithTimeout(context.Background(), o.sagaTimeout)
	defer compCancel()
	compErr := o.compensate(compCtx, inst)
	o.removeRecord(inst.SagaID)

	switch {
	case sagaCtx.Err() != nil:
		order.SetStatus(orders.StatusFailed)
		return fmt.Errorf("saga %s timed out: %w", inst.SagaID, execErr)
	case compErr != nil:
		order.SetStatus(orders.StatusFailed)
		return fmt.Errorf("saga %s compensation: %w", inst.SagaID, compErr)
	case errors.Is(execErr, ErrInvalidTransition):
		order.SetStatus(orders.StatusFailed)
		return execErr
	default:
		order.SetStatus(orders.StatusCancelled)
		return execErr
	}
}

type reserveResult struct {
	sellerID      string
	reservationID string
	err           error
}

func (o *Orchestrator) execute(ctx context.Context, inst *Instance) error {
	order := inst.Order

	if !inst.TransitionTo(StateReserving) {
		return o.transitionError(inst, StateReserving)
	}
	o.persist(inst)
	order.SetStatus(orders.StatusReserving)

	// Reserve phase: one request per line item, all in flight at once.
	results := make(chan reserveResult, len(order.Items))
	for _, item := range order.Items {
		go func(item orders.Item) {
			results <- o.reserveItem(ctx, order, item)
		}(item)
	}

	// Wait for every outcome: compensation must cover each reservation
	// whose success was observed, even after another item has failed.
	var reserveErr error
	for range order.Items {
		r := <-results
		if r.err != nil {
			if reserveErr == nil {
				reserveErr = r.err
			}
			continue
		}
		inst.AddCompensation(CompensationAction{
			Kind:          ActionCancelReservation,
			SellerID:      r.sellerID,
			ReservationID: r.reservationID,
		})
		inst.AddReservation(r.sellerID, r.reservationID)
		o.persist(inst)
	}
	if reserveErr != nil {
		return fmt.Errorf("reserve phase: %w", reserveErr)
	}

	if !inst.TransitionTo(StateProductsReserved) {
		return o.transitionError(inst, StateProductsReserved)
	}
	o.persist(inst)
	order.SetStatus(orders.StatusAllReserved)

	if !inst.TransitionTo(StateConfirming) {
		return o.transitionError(inst, StateConfirming)
	}
	o.persist(inst)
	order.SetStatus(orders.StatusConfirming)

	// Confirm phase: one request per recorded reservation, keyed by
	// reservation ID so every hold is confirmed even when several line
	// items landed at the same seller. Any single failure, including an
	// expired reservation, compensates the saga.
	reservations := inst.Reservations()
	confirmErrs := make(chan error, len(reservations))
	for reservationID, sellerID := range reservations {
		go func(sellerID, reservationID string) {
			confirmErrs <- o.confirmReservation(ctx, order, sellerID, reservationID)
		}(sellerID, reservationID)
	}
	var confirmErr error
	for range reservations {
		if err := <-confirmErrs; err != nil && confirmErr == nil {
			confirmErr = err
		}
	}
	if confirmErr != nil {
		return fmt.Errorf("confirm phase: %w", confirmErr)
	}

	if !inst.TransitionTo(StateCompleted) {
		return o.transitionError(inst, StateCompleted)
	}
	return nil
}

func (o *Orchestrator) reserveItem(ctx context.Context, order *orders.Order, item orders.Item) reserveResult {
	msg := protocol.New(protocol.KindReserve, protocol.Payload{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		OrderID:   order.OrderID,
	})
	msg.SenderID = o.marketplaceID
	// One correlation ID per logical request: a response to a timed-out
	// first attempt can still complete the retry that replaced it.
	msg.CorrelationID = o.newID()

	reqCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	resp, err := o.call(reqCtx, item.SellerID, msg)
	if err != nil {
		return reserveResult{sellerID: item.SellerID, err: fmt.Errorf("reserve %dx %s at %s: %w", item.Quantity, item.ProductID, item.SellerID, err)}
	}
	if resp.Data.ReservationID == "" {
		return reserveResult{sellerID: item.SellerID, err: fmt.Errorf("reserve %s at %s: response missing reservation ID", item.ProductID, item.SellerID)}
	}
	return reserveResult{sellerID: item.SellerID, reservationID: resp.Data.ReservationID}
}

func (o *Orchestrator) confirmReservation(ctx context.Context, order *orders.Order, sellerID, reservationID string) error {
	msg := protocol.New(protocol.KindConfirm, protocol.Payload{
		ReservationID: reservationID,
		OrderID:       order.OrderID,
	})
	msg.SenderID = o.marketplaceID
	msg.CorrelationID = o.newID()

	reqCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	if _, err := o.call(reqCtx, sellerID, msg); err != nil {
		return fmt.Errorf("confirm %s at %s: %w", reservationID, sellerID, err)
	}
	return nil
}

// call sends one logical request through the seller's breaker with retries.
// The message's correlation and idempotency IDs stay stable across attempts.
// Only transport failures feed the breaker; an explicit ERROR response came
// from a healthy peer and is classified outside it. The whole logical call,
// retries included, is measured as one per-peer span.
func (o *Orchestrator) call(ctx context.Context, sellerID string, msg protocol.Message) (protocol.Message, error) {
	span := o.metrics.Start(strings.ToLower(string(msg.Type)) + ":" + sellerID)
	breaker := o.breaker(sellerID)
	var resp protocol.Message
	err := o.retry.Do(ctx, func() error {
		var r protocol.Message
		sendErr := breaker.Do(func() error {
			rr, err := o.requester.SendRequest(ctx, sellerID, msg)
			if err != nil {
				return err
			}
			r = rr
			return nil
		})
		if sendErr != nil {
			return sendErr
		}
		if r.Type == protocol.KindError {
			return classifyPeerError(sellerID, r.Data.Reason)
		}
		resp = r
		return nil
	})
	span.End(err)
	if err != nil {
		return protocol.Message{}, err
	}
	return resp, nil
}

// classifyPeerError maps an explicit seller ERROR to retryable or terminal.
func classifyPeerError(sellerID, reason string) error {
	if strings.Contains(strings.ToLower(reason), "retry later") {
		return fmt.Errorf("seller %s: %w", sellerID, reliability.ErrRetryLater)
	}
	return reliability.Terminal(fmt.Errorf("seller %s rejected request: %s", sellerID, reason))
}

// compensate executes the recorded actions in reverse insertion order. Every
// action is attempted; failures are logged and counted but never abort the
// sweep.
func (o *Orchestrator) compensate(ctx context.Context, inst *Instance) error {
	if inst.State() != StateCompensating {
		if !inst.TransitionTo(StateCompensating) {
			// Nothing was reserved from STARTED; the saga just fails.
			if inst.TransitionTo(StateFailed) {
				o.persist(inst)
			}
			return nil
		}
		o.persist(inst)
	}
	inst.Order.SetStatus(orders.StatusCompensating)

	actions := inst.Compensations()
	failed := 0
	for idx := len(actions) - 1; idx >= 0; idx-- {
		action := actions[idx]
		if err := o.runCompensation(ctx, action); err != nil {
			failed++
			o.logf("saga %s: compensation %s/%s: %v", inst.SagaID, action.SellerID, action.ReservationID, err)
			continue
		}
		o.logf("saga %s: compensated reservation %s at %s", inst.SagaID, action.ReservationID, action.SellerID)
	}

	if !inst.TransitionTo(StateCompensationCompleted) {
		return o.transitionError(inst, StateCompensationCompleted)
	}
	o.persist(inst)
	inst.Order.SetStatus(orders.StatusCancelled)

	if failed > 0 {
		return fmt.Errorf("%d of %d compensation actions failed", failed, len(actions))
	}
	return nil
}

func (o *Orchestrator) runCompensation(ctx context.Context, action CompensationAction) error {
	switch action.Kind {
	case ActionCancelReservation:
		msg := protocol.New(protocol.KindCancel, protocol.Payload{
			ReservationID: action.ReservationID,
		})
		msg.SenderID = o.marketplaceID
		msg.CorrelationID = o.newID()

		reqCtx, cancel := context.WithTimeout(ctx, o.compensationTimeout)
		defer cancel()
		_, err := o.call(reqCtx, action.SellerID, msg)
		return err
	default:
		return fmt.Errorf("unknown compensation action kind %q", action.Kind)
	}
}

// RecoverPending drives every non-terminal snapshot left by a previous run
// to a deterministic terminal state. Reservations the coordinator observed
// are cancelled; sellers treat a cancel of an unknown or expired reservation
// as success, so recovery compensation is always safe.
func (o *Orchestrator) RecoverPending(ctx context.Context) {
	for _, snapshot := range o.store.Active() {
		if snapshot.State.Terminal() {
			o.removeRecord(snapshot.SagaID)
			continue
		}
		if len(snapshot.Actions) == 0 {
			o.logf("recovery: saga %s in state %s had no reservations, clearing", snapshot.SagaID, snapshot.State)
			o.removeRecord(snapshot.SagaID)
			continue
		}

		o.logf("recovery: compensating saga %s (order %s, state %s, %d actions)",
			snapshot.SagaID, snapshot.OrderID, snapshot.State, len(snapshot.Actions))

		order := orders.NewOrder(snapshot.OrderID, "", o.marketplaceID, nil)
		inst := NewInstance(snapshot.SagaID, order)
		inst.ForceState(snapshot.State)
		for _, action := range snapshot.Actions {
			inst.AddCompensation(action)
		}
		for reservationID, sellerID := range snapshot.Reservations {
			inst.AddReservation(sellerID, reservationID)
		}

		if err := o.compensate(ctx, inst); err != nil {
			o.logf("recovery: saga %s: %v", snapshot.SagaID, err)
		}
		o.removeRecord(snapshot.SagaID)
	}
}

func (o *Orchestrator) breaker(sellerID string) *reliability.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.breakers[sellerID]
	if !ok {
		b = reliability.NewBreaker(sellerID, o.breakerCfg)
		o.breakers[sellerID] = b
	}
	return b
}

// BreakerStats returns a per-seller summary of breaker state.
func (o *Orchestrator) BreakerStats() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := make(map[string]string, len(o.breakers))
	for sellerID, b := range o.breakers {
		stats[sellerID] = b.Stats()
	}
	return stats
}

// ActiveSagas returns the number of sagas currently in flight.
func (o *Orchestrator) ActiveSagas() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// persist writes the snapshot. Persistence failures are logged but never
// block the in-memory transition; the periodic flush retries them.
func (o *Orchestrator) persist(inst *Instance) {
	if err := o.store.Save(inst.Snapshot()); err != nil {
		o.logf("saga %s: persist: %v", inst.SagaID, err)
	}
}

func (o *Orchestrator) removeRecord(sagaID string) {
	if err := o.store.Remove(sagaID); err != nil {
		o.logf("saga %s: remove record: %v", sagaID, err)
	}
}

func (o *Orchestrator) transitionError(inst *Instance, next State) error {
	return fmt.Errorf("%w: saga %s cannot move %s -> %s", ErrInvalidTransition, inst.SagaID, inst.State(), next)
}
