package stakemeta

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNonConservation   = errors.New("allocation does not conserve the tip pool")
	ErrInvalidCommission = errors.New("commission exceeds 10000 bps")
)

// SnapshotReadError is returned when the snapshot lacks or contradicts records a validator
// needs. Validator is zero when the snapshot as a whole could not be read.
type SnapshotReadError struct {
	Validator solana.PublicKey
	Slot      uint64
	Reason    string
	Err       error
}

func (e *SnapshotReadError) Error() string {
	msg := fmt.Sprintf("snapshot read error at slot %d", e.Slot)
	if !e.Validator.IsZero() {
		msg += fmt.Sprintf(" for validator %s", e.Validator)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SnapshotReadError) Unwrap() error { return e.Err }

// ArithmeticOverflowError is returned when a value of the allocation leaves the uint64 domain.
type ArithmeticOverflowError struct {
	Validator solana.PublicKey
	Op        string
}

func (e *ArithmeticOverflowError) Error() string {
	return fmt.Sprintf("arithmetic overflow for validator %s: %s", e.Validator, e.Op)
}
