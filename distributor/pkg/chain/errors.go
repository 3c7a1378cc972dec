package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/utils/pkg/retry"
)

// ErrUndecodable marks account data that could not be decoded. It is never retried.
var ErrUndecodable = errors.New("undecodable account data")

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	// KindAlreadyProcessed means the state the instruction would create already exists:
	// a root is uploaded or a claim status account is in use.
	KindAlreadyProcessed
	KindInvalidProof
	KindInsufficientFunds
	KindRejected
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAlreadyProcessed:
		return "already_processed"
	case KindInvalidProof:
		return "invalid_proof"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified cluster or program failure. Code is the program's custom error
// code, or zero when the failure did not come from the program.
type Error struct {
	Kind ErrorKind
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (program error %d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a classified error.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ReportKind maps a unit's terminal error to its report kind. Errors that did not come
// from the cluster, such as an undecodable account, are data errors.
func ReportKind(err error) report.Kind {
	if errors.Is(err, retry.ErrExhausted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return report.KindTransport
	}
	kind, ok := KindOf(err)
	switch {
	case !ok, kind == KindNotFound:
		return report.KindData
	case kind == KindTransient:
		return report.KindTransport
	default:
		return report.KindPermanent
	}
}

// IsTransient is the retry classifier for submissions: classified errors retry only when
// transient, anything else falls back to the generic classifier.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUndecodable) {
		return false
	}
	if k, ok := KindOf(err); ok {
		return k == KindTransient
	}
	return retry.IsRetryable(err)
}

var (
	customErrorHexRe = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)
	customErrorDecRe = regexp.MustCompile(`"Custom":\s*(\d+)`)
)

// Classify converts a raw RPC or transaction error into an *Error. Context errors of the
// caller are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, solanarpc.ErrNotFound) {
		return &Error{Kind: KindNotFound, Err: err}
	}

	text := err.Error()
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Data != nil {
		if data, merr := json.Marshal(rpcErr.Data); merr == nil {
			text += " " + string(data)
		}
	}
	if code, ok := programErrorCode(text); ok {
		return &Error{Kind: kindForProgramCode(code), Code: code, Err: err}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "already in use"):
		return &Error{Kind: KindAlreadyProcessed, Err: err}
	case strings.Contains(lower, "insufficient funds"), strings.Contains(lower, "insufficient lamports"):
		return &Error{Kind: KindInsufficientFunds, Err: err}
	case errors.Is(err, context.DeadlineExceeded), retry.IsRetryable(err),
		strings.Contains(lower, "already been processed"):
		return &Error{Kind: KindTransient, Err: err}
	}
	return &Error{Kind: KindRejected, Err: err}
}

// ClassifyTransactionError classifies the err field of a landed transaction's status.
func ClassifyTransactionError(txErr any) error {
	data, err := json.Marshal(txErr)
	if err != nil {
		data = []byte(fmt.Sprint(txErr))
	}
	return Classify(fmt.Errorf("transaction failed: %s", data))
}

func programErrorCode(text string) (int, bool) {
	if m := customErrorHexRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseInt(m[1], 16, 32); err == nil {
			return int(v), true
		}
	}
	if m := customErrorDecRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v, true
		}
	}
	return 0, false
}

func kindForProgramCode(code int) ErrorKind {
	switch code {
	case program.ErrCodeInvalidProof:
		return KindInvalidProof
	case program.ErrCodeInsufficientFunds:
		return KindInsufficientFunds
	case program.ErrCodeRootAlreadyUploaded:
		return KindAlreadyProcessed
	default:
		return KindRejected
	}
}
