// Package aetherr defines the error taxonomy shared by every component of
// the fabric (TerminalHost, SessionFabric, EdgeGateway, SupervisoryBus).
//
// Each kind is a sentinel that call sites wrap with Wrap(kind, format, ...)
// so the original kind stays recoverable via KindOf while the message still
// carries call-specific detail.
package aetherr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from the fabric's error taxonomy.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindResourceLimit       Kind = "resource_limit"
	KindBlocked             Kind = "blocked"
	KindPTYIOError          Kind = "pty_io_error"
	KindSubscriptionLagging Kind = "subscription_lagging"
	KindRequestTimeout      Kind = "request_timeout"
	KindTransportLost       Kind = "transport_lost"
	KindSpawnFailed         Kind = "spawn_failed"
	KindUnknownTerminal     Kind = "unknown_terminal"
)

var (
	ErrUnauthorized        = errors.New(string(KindUnauthorized))
	ErrNotFound            = errors.New(string(KindNotFound))
	ErrInvalidState        = errors.New(string(KindInvalidState))
	ErrResourceLimit       = errors.New(string(KindResourceLimit))
	ErrBlocked             = errors.New(string(KindBlocked))
	ErrPTYIOError          = errors.New(string(KindPTYIOError))
	ErrSubscriptionLagging = errors.New(string(KindSubscriptionLagging))
	ErrRequestTimeout      = errors.New(string(KindRequestTimeout))
	ErrTransportLost       = errors.New(string(KindTransportLost))
	ErrSpawnFailed         = errors.New(string(KindSpawnFailed))
	ErrUnknownTerminal     = errors.New(string(KindUnknownTerminal))
)

var sentinels = map[Kind]error{
	KindUnauthorized:        ErrUnauthorized,
	KindNotFound:            ErrNotFound,
	KindInvalidState:        ErrInvalidState,
	KindResourceLimit:       ErrResourceLimit,
	KindBlocked:             ErrBlocked,
	KindPTYIOError:          ErrPTYIOError,
	KindSubscriptionLagging: ErrSubscriptionLagging,
	KindRequestTimeout:      ErrRequestTimeout,
	KindTransportLost:       ErrTransportLost,
	KindSpawnFailed:         ErrSpawnFailed,
	KindUnknownTerminal:     ErrUnknownTerminal,
}

// KindOf extracts the fabric error kind wrapped anywhere in err's chain.
// Returns ("", false) for errors that don't originate from this taxonomy.
func KindOf(err error) (Kind, bool) {
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}

// Wrap annotates the sentinel for kind with call-specific context, keeping
// the sentinel matchable via errors.Is/KindOf.
func Wrap(kind Kind, format string, args ...any) error {
	sentinel, ok := sentinels[kind]
	if !ok {
		sentinel = errors.New(string(kind))
	}
	return &wrapped{kind: sentinel, msg: fmt.Sprintf(format, args...)}
}

type wrapped struct {
	kind error
	msg  string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.kind }
