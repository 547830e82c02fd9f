package saga

import (
	"sync"
	"time"

	"bazaar/internal/orders"
)

// Instance is one in-flight saga. The saga ID is distinct from the order ID
// so a resubmitted order gets a fresh saga. The compensation list is
// append-only and undone in reverse insertion order.
type Instance struct {
	SagaID string
	Order  *orders.Order

	mu            sync.Mutex
	state         State
	compensations []CompensationAction
	reservations  map[string]string
	createdAt     time.Time
	updatedAt     time.Time
	now           func() time.Time
}

// NewInstance constructs a saga in the STARTED state.
func NewInstance(sagaID string, order *orders.Order) *Instance {
	return newInstance(sagaID, order, time.Now)
}

func newInstance(sagaID string, order *orders.Order, now func() time.Time) *Instance {
	created := now()
	return &Instance{
		SagaID:       sagaID,
		Order:        order,
		state:        StateStarted,
		reservations: make(map[string]string),
		createdAt:    created,
		updatedAt:    created,
		now:          now,
	}
}

// TransitionTo moves the saga to next if the transition table permits it,
// compare-and-set style: the reported result tells the caller whether the
// move was applied.
func (i *Instance) TransitionTo(next State) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.state.CanTransitionTo(next) {
		return false
	}
	i.state = next
	i.updatedAt = i.now()
	return true
}

// ForceState overrides the state without consulting the table. Used only
// when rehydrating a recovered snapshot.
func (i *Instance) ForceState(s State) {
	i.mu.Lock()
	i.state = s
	i.updatedAt = i.now()
	i.mu.Unlock()
}

// State returns the current saga state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// AddCompensation appends an inverse action for a completed step.
func (i *Instance) AddCompensation(action CompensationAction) {
	i.mu.Lock()
	if action.RecordedAt.IsZero() {
		action.RecordedAt = i.now()
	}
	i.compensations = append(i.compensations, action)
	i.updatedAt = i.now()
	i.mu.Unlock()
}

// AddReservation records the reservation a seller granted. Reservations are
// keyed by their seller-unique ID so an order with several line items at the
// same seller keeps every hold.
func (i *Instance) AddReservation(sellerID, reservationID string) {
	i.mu.Lock()
	i.reservations[reservationID] = sellerID
	i.updatedAt = i.now()
	i.mu.Unlock()
}

// Compensations returns a copy of the recorded actions in insertion order.
func (i *Instance) Compensations() []CompensationAction {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]CompensationAction, len(i.compensations))
	copy(out, i.compensations)
	return out
}

// Reservations returns a copy of the reservation ID to seller mapping.
func (i *Instance) Reservations() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]string, len(i.reservations))
	for reservation, seller := range i.reservations {
		out[reservation] = seller
	}
	return out
}

// Snapshot captures the instance for persistence.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	actions := make([]CompensationAction, len(i.compensations))
	copy(actions, i.compensations)
	reservations := make(map[string]string, len(i.reservations))
	for reservation, seller := range i.reservations {
		reservations[reservation] = seller
	}
	return Snapshot{
		SagaID:       i.SagaID,
		OrderID:      i.Order.OrderID,
		State:        i.state,
		Actions:      actions,
		Reservations: reservations,
		CreatedAt:    i.createdAt,
		UpdatedAt:    i.updatedAt,
	}
}
