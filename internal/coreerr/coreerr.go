// Package coreerr implements the taxonomic error kinds described in the
// core's error handling design: every subsystem wraps its failures in one
// of these kinds rather than returning bare errors, so callers can branch
// on Kind instead of matching strings.
package coreerr

import "errors"

// Kind classifies an error for propagation-policy decisions (retry,
// surface-to-caller, log-and-continue, fatal).
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindCapacity
	KindIntegrity
	KindCrypto
	KindTimeout
	KindConflict
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindIntegrity:
		return "integrity"
	case KindCrypto:
		return "crypto"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with a wrapped cause so errors.Is/As keep working
// through the chain.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error for op wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of classifies err, returning KindUnknown if it was never tagged by this
// package.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinel values for the common no-context cases named in spec.md §7/§8.
var (
	ErrDataTooLarge       = New(KindValidation, "txpool.submit", errors.New("transaction data exceeds max_tx_data_size"))
	ErrPoolFull           = New(KindCapacity, "txpool.submit", errors.New("pool at capacity"))
	ErrServiceUnavailable = New(KindCapacity, "txpool.submit", errors.New("submit queue full"))
	ErrExecutionFailed    = New(KindStorage, "txpool", errors.New("write-path lock poisoned"))
	ErrBadNonce           = New(KindValidation, "executor", errors.New("nonce is not prior+1"))
	ErrEmptyData          = New(KindValidation, "executor", errors.New("transaction data is empty"))
	ErrHashMismatch       = New(KindIntegrity, "block", errors.New("block hash does not match computed hash"))
	ErrMerkleMismatch     = New(KindIntegrity, "block", errors.New("transactions root does not match computed root"))
	ErrTxIndexMismatch    = New(KindIntegrity, "verifier", errors.New("tx index resolves to a different transaction"))
	ErrInclusionMismatch  = New(KindIntegrity, "fairness", errors.New("stored result inclusion does not match canonical chain"))
	ErrRecordNotFound     = New(KindStorage, "fairness.wait", errors.New("fairness record not found after notification"))
	ErrVRFLength          = New(KindCrypto, "vrf", errors.New("vrf proof or output has the wrong length"))
	ErrVRFVerification    = New(KindCrypto, "vrf", errors.New("VRF verification failed"))
	ErrVersionConflict    = New(KindConflict, "gamestore.cas", errors.New("version mismatch"))
)

// Timeout builds a structured wait-timeout error.
func Timeout(op string, elapsedMS int64) *Error {
	return New(KindTimeout, op, &timeoutDetail{elapsedMS: elapsedMS})
}

type timeoutDetail struct{ elapsedMS int64 }

func (t *timeoutDetail) Error() string {
	return "deadline exceeded"
}

// ElapsedMS returns the elapsed duration recorded on a Timeout error, if any.
func ElapsedMS(err error) (int64, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	td, ok := e.Err.(*timeoutDetail)
	if !ok {
		return 0, false
	}
	return td.elapsedMS, true
}
