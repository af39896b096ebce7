package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire error codes).
var (
	// ErrValidation marks input rejected before any network or store call.
	ErrValidation = errors.New("validation")
	// ErrAuth marks a mutation attempted without an authenticated actor.
	ErrAuth = errors.New("auth")
	// ErrStore marks a read or write that failed at the backing store.
	ErrStore = errors.New("store")
	// ErrChannel marks a subscribe/presence handshake failure or a dropped channel.
	ErrChannel = errors.New("channel")
)

// errInvalidInput marks store inputs a correct caller never produces.
var errInvalidInput = errors.New("invalid input")

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinel kinds above. Msg may include human-readable
// context; do not include message bodies or tokens.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e OpError) Unwrap() error { return e.Kind }

func validationErr(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

func authErr(op string) error {
	return OpError{Op: op, Kind: ErrAuth, Msg: "no authenticated actor"}
}

func storeErr(op string, err error) error {
	return OpError{Op: op, Kind: ErrStore, Err: err}
}

func channelErr(op string, err error) error {
	return OpError{Op: op, Kind: ErrChannel, Err: err}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsAuth reports whether err represents ErrAuth.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsStore reports whether err represents ErrStore.
func IsStore(err error) bool { return errors.Is(err, ErrStore) }

// IsChannel reports whether err represents ErrChannel.
func IsChannel(err error) bool { return errors.Is(err, ErrChannel) }
