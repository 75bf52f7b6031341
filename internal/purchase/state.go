package purchase

// State is a step of a purchase attempt.
type State string

const (
	StateIdle                   State = "idle"
	StateResolvingProduct       State = "resolving_product"
	StateAwaitingOffer          State = "awaiting_offer"
	StateLaunchingPurchaseUI    State = "launching_purchase_ui"
	StateAwaitingPlatformResult State = "awaiting_platform_result"
	StateConfirmed              State = "confirmed"
	StateCancelled              State = "cancelled"
	StatePending                State = "pending"
	StateFailed                 State = "failed"
	StateValidatingRemotely     State = "validating_remotely"
	StateAcknowledging          State = "acknowledging"
	StateConsuming              State = "consuming"
	StateSettled                State = "settled"
	// StateUnsynced: paid for, kept in the ledger until a sync validates it.
	StateUnsynced State = "unsynced"
)

// Terminal reports whether an attempt ends in s.
func (s State) Terminal() bool {
	switch s {
	case StateCancelled, StatePending, StateFailed, StateSettled, StateUnsynced:
		return true
	}
	return false
}

// StateObserver is told about every step of an attempt.
type StateObserver interface {
	OnPurchaseState(productID string, state State)
}

// ObserverFunc adapts a function to StateObserver.
type ObserverFunc func(productID string, state State)

func (f ObserverFunc) OnPurchaseState(productID string, state State) { f(productID, state) }
