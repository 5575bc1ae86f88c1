package degradation

import (
	"fmt"

	apperrors "tradeguard/pkg/errors"
)

// Operation kinds checked by the gate
const (
	OperationNewOrder = "new_order"
	OperationClose    = "close"
)

// CanSubmitNewOrder reports whether new exposure may be opened in mode
func CanSubmitNewOrder(mode Mode) bool {
	return mode == ModeNormal || mode == ModeDegraded
}

// IsCloseAllowed reports whether exposure may be reduced in mode
func IsCloseAllowed(mode Mode) bool {
	return mode != ModeHalt
}

// GatedError is returned when the current mode forbids an operation
type GatedError struct {
	Mode      Mode
	Seq       uint64
	Operation string
	Reason    string
}

func (e *GatedError) Error() string {
	return fmt.Sprintf("%s rejected in %s mode (seq %d): %s", e.Operation, e.Mode, e.Seq, e.Reason)
}

func (e *GatedError) Unwrap() error {
	return apperrors.ErrTradingGated
}

// Gate checks operations against the live mode
type Gate struct {
	modes ModeReader
}

// NewGate creates a gate reading from modes
func NewGate(modes ModeReader) *Gate {
	return &Gate{modes: modes}
}

// CheckNewOrder returns a *GatedError unless new orders are allowed right now
func (g *Gate) CheckNewOrder() error {
	cur := g.modes.Current()
	if CanSubmitNewOrder(cur.Mode) {
		return nil
	}
	return &GatedError{Mode: cur.Mode, Seq: cur.Seq, Operation: OperationNewOrder, Reason: cur.Reason}
}

// CheckClose returns a *GatedError unless closes are allowed right now
func (g *Gate) CheckClose() error {
	cur := g.modes.Current()
	if IsCloseAllowed(cur.Mode) {
		return nil
	}
	return &GatedError{Mode: cur.Mode, Seq: cur.Seq, Operation: OperationClose, Reason: cur.Reason}
}
