package engine

import "time"

// State is the engine's position in the order lifecycle. Exactly one
// command may be in flight per symbol; every *_PENDING state carries a
// pendingCommand that must resolve before the next decision.
type State string

const (
	StateFlat             State = "FLAT"
	StateOpenPending      State = "OPEN_PENDING"
	StateInPosition       State = "IN_POSITION"
	StateTP1Pending       State = "TP1_PENDING"
	StateTP1SLMovePending State = "TP1_SL_MOVE_PENDING"
	StateTrailPending     State = "TRAIL_PENDING"
	StateClosePending     State = "CLOSE_PENDING"
)

// Actions a pending command can represent.
const (
	actionOpen     = "open"
	actionClose    = "close"
	actionTP1Close = "tp1_close"
	actionSLMove   = "sl_move"
	actionTrail    = "trail"
)

// pendingCommand is the in-flight command lock. While set, no new
// signal is evaluated for the symbol. A command that does not resolve
// within the timeout is force-cleared and the position reconciled
// against the exchange.
type pendingCommand struct {
	cid      string
	action   string
	issuedAt time.Time

	// context the resolution handler needs
	side     string
	qty      float64
	stopLoss float64
}

// position is the engine's cached view of the open position. The
// exchange remains the source of truth; this cache is rebuilt from it
// on every reconciliation.
type position struct {
	side       string
	qty        float64
	entryPrice float64
	stopLoss   float64
	tp1Price   float64
	isTP1Hit   bool
	entryCID   string
}

// stateFor maps a pending action to the lifecycle state it locks.
func stateFor(action string) State {
	switch action {
	case actionOpen:
		return StateOpenPending
	case actionClose:
		return StateClosePending
	case actionTP1Close:
		return StateTP1Pending
	case actionSLMove:
		return StateTP1SLMovePending
	case actionTrail:
		return StateTrailPending
	}
	return StateFlat
}
