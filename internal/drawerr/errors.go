// Package drawerr defines the error kinds surfaced by the draw engine.
//
// Every error carries enough structure (kind plus the offending product,
// nonce, ticket or tier) for callers to render a precise message. Use
// errors.Is against the exported sentinels to test for a kind.
package drawerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a draw engine failure.
type Kind string

const (
	KindAlreadyInitialized Kind = "already_initialized"
	KindNotSoldOut         Kind = "not_sold_out"
	KindOutOfStock         Kind = "out_of_stock"
	KindInvalidNonce       Kind = "invalid_nonce"
	KindTierInconsistency  Kind = "tier_inconsistency"
	KindTicketUnavailable  Kind = "ticket_unavailable"
	KindPositionsExhausted Kind = "positions_exhausted"
	KindCommitmentMismatch Kind = "commitment_mismatch"
	KindInvalidDefinition  Kind = "invalid_definition"
	KindInvalidRequest     Kind = "invalid_request"
	KindNotFound           Kind = "not_found"
	KindNotActive          Kind = "not_active"
	KindConflict           Kind = "conflict"
)

// Retryable reports whether the caller may retry with fresh ledger state.
func (k Kind) Retryable() bool {
	switch k {
	case KindInvalidNonce, KindTicketUnavailable, KindConflict:
		return true
	}
	return false
}

// Fatal reports whether the kind signals corrupted or misconfigured data
// that must be escalated to an operator.
func (k Kind) Fatal() bool {
	switch k {
	case KindTierInconsistency, KindPositionsExhausted, KindCommitmentMismatch, KindAlreadyInitialized:
		return true
	}
	return false
}

// Error is the structured error returned by the engine.
type Error struct {
	Kind      Kind
	ProductID string
	Nonce     int64
	Expected  int64
	Ticket    int
	Tier      string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ProductID != "" {
		fmt.Fprintf(&b, " product=%s", e.ProductID)
	}
	if e.Nonce != 0 {
		fmt.Fprintf(&b, " nonce=%d", e.Nonce)
	}
	if e.Expected != 0 {
		fmt.Fprintf(&b, " expected=%d", e.Expected)
	}
	if e.Ticket != 0 {
		fmt.Fprintf(&b, " ticket=%d", e.Ticket)
	}
	if e.Tier != "" {
		fmt.Fprintf(&b, " tier=%s", e.Tier)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of the detail fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAlreadyInitialized = &Error{Kind: KindAlreadyInitialized}
	ErrNotSoldOut         = &Error{Kind: KindNotSoldOut}
	ErrOutOfStock         = &Error{Kind: KindOutOfStock}
	ErrInvalidNonce       = &Error{Kind: KindInvalidNonce}
	ErrTierInconsistency  = &Error{Kind: KindTierInconsistency}
	ErrTicketUnavailable  = &Error{Kind: KindTicketUnavailable}
	ErrPositionsExhausted = &Error{Kind: KindPositionsExhausted}
	ErrCommitmentMismatch = &Error{Kind: KindCommitmentMismatch}
	ErrInvalidDefinition  = &Error{Kind: KindInvalidDefinition}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrNotActive          = &Error{Kind: KindNotActive}
	ErrConflict           = &Error{Kind: KindConflict}
)

// New builds an error of the given kind for a product.
func New(kind Kind, productID, format string, args ...any) *Error {
	return &Error{Kind: kind, ProductID: productID, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
