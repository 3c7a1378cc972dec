package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/utils/pkg/retry"
	"github.com/stretchr/testify/require"
)

func TestMEVDist_Chain_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind ErrorKind
		code int
	}{
		{
			name: "custom program error in preflight message",
			err:  &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x1770"},
			kind: KindInvalidProof,
			code: 6000,
		},
		{
			name: "custom program error in logs",
			err: &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed", Data: map[string]any{
				"logs": []any{"Program log: AnchorError occurred. Error Code: RootAlreadyUploaded.", "failed: custom program error: 0x1774"},
			}},
			kind: KindAlreadyProcessed,
			code: 6004,
		},
		{
			name: "insufficient funds code",
			err:  fmt.Errorf("send: %w", errors.New("custom program error: 0x1777")),
			kind: KindInsufficientFunds,
			code: 6007,
		},
		{
			name: "other program code",
			err:  errors.New("custom program error: 0x1775"),
			kind: KindRejected,
			code: 6005,
		},
		{
			name: "claim status already allocated",
			err:  errors.New("Allocate: account Address { address: 9xQ, base: None } already in use"),
			kind: KindAlreadyProcessed,
		},
		{
			name: "blockhash expired",
			err:  &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"},
			kind: KindTransient,
		},
		{
			name: "rate limited",
			err:  errors.New("429 Too Many Requests"),
			kind: KindTransient,
		},
		{
			name: "per call timeout",
			err:  fmt.Errorf("rpc: %w", context.DeadlineExceeded),
			kind: KindTransient,
		},
		{
			name: "not found",
			err:  solanarpc.ErrNotFound,
			kind: KindNotFound,
		},
		{
			name: "unknown rejection",
			err:  errors.New("Transaction signature verification failure"),
			kind: KindRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := Classify(tt.err)
			var ce *Error
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tt.kind, ce.Kind, ce.Error())
			require.Equal(t, tt.code, ce.Code)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMEVDist_Chain_Classify_Passthrough(t *testing.T) {
	t.Parallel()

	require.NoError(t, Classify(nil))
	require.Equal(t, context.Canceled, Classify(context.Canceled))

	already := &Error{Kind: KindInvalidProof}
	require.Same(t, already, Classify(already))
}

func TestMEVDist_Chain_ClassifyTransactionError(t *testing.T) {
	t.Parallel()

	txErr := map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 6000}}}
	err := ClassifyTransactionError(txErr)
	require.True(t, IsKind(err, KindInvalidProof))
}

func TestMEVDist_Chain_IsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, IsTransient(&Error{Kind: KindTransient}))
	require.False(t, IsTransient(&Error{Kind: KindRejected}))
	require.False(t, IsTransient(&Error{Kind: KindAlreadyProcessed}))
	require.True(t, IsTransient(errors.New("connection reset by peer")))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(fmt.Errorf("failed to decode: %w: %w", ErrUndecodable, errors.New("unexpected EOF"))))
}

func TestMEVDist_Chain_ReportKind(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err  error
		want report.Kind
	}{
		"undecodable account": {fmt.Errorf("failed to decode distribution account: %w: %w", ErrUndecodable, errors.New("unexpected EOF")), report.KindData},
		"not found":           {&Error{Kind: KindNotFound, Err: errors.New("gone")}, report.KindData},
		"transient":           {&Error{Kind: KindTransient, Err: errors.New("timeout")}, report.KindTransport},
		"exhausted":           {fmt.Errorf("%w: failed after 3 attempts: %w", retry.ErrExhausted, &Error{Kind: KindTransient}), report.KindTransport},
		"cancelled":           {context.Canceled, report.KindTransport},
		"rejected":            {&Error{Kind: KindRejected, Code: 6005}, report.KindPermanent},
		"invalid proof":       {fmt.Errorf("failed to claim: %w", &Error{Kind: KindInvalidProof}), report.KindPermanent},
		"insufficient funds":  {&Error{Kind: KindInsufficientFunds}, report.KindPermanent},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ReportKind(tc.err))
		})
	}
}
