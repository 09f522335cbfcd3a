package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error taxonomy shared across the core. Callers classify with errors.Is;
// implementations wrap these with fmt.Errorf("...: %w", ...).
var (
	ErrBadPassword        = errors.New("bad password")
	ErrNoKeyMaterial      = errors.New("no key material")
	ErrUnsupportedContext = errors.New("unsupported crypto context")
	ErrLocked             = errors.New("private key is locked")

	ErrFormat         = errors.New("malformed envelope")
	ErrAuthentication = errors.New("authentication failed (corrupted or stale key)")
	ErrNoKeyForSelf   = errors.New("not a recipient of this message")
	ErrMissingKeys    = errors.New("missing recipient keys")

	ErrNotFound = errors.New("not found")
	ErrNetwork  = errors.New("network error")

	ErrNegotiationTimeout  = errors.New("negotiation timed out")
	ErrNegotiationDeclined = errors.New("transfer declined")
	ErrChannelFailure      = errors.New("channel failure")
	ErrIntegrityMismatch   = errors.New("integrity mismatch")
	ErrRelayUploadFailure  = errors.New("relay upload failed")
	ErrNotDelivered        = errors.New("message not delivered")
)

// MissingKeysError lists every identity whose public key could not be
// obtained. It matches ErrMissingKeys.
type MissingKeysError struct {
	Identities []Identity
	Causes     map[Identity]error
}

// NewMissingKeysError builds a MissingKeysError with identities sorted.
func NewMissingKeysError(causes map[Identity]error) *MissingKeysError {
	ids := make([]Identity, 0, len(causes))
	for id := range causes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &MissingKeysError{Identities: ids, Causes: causes}
}

func (e *MissingKeysError) Error() string {
	names := make([]string, len(e.Identities))
	for i, id := range e.Identities {
		names[i] = id.String()
	}
	return fmt.Sprintf("%v: %s", ErrMissingKeys, strings.Join(names, ", "))
}

// Is makes errors.Is(err, ErrMissingKeys) hold.
func (e *MissingKeysError) Is(target error) bool { return target == ErrMissingKeys }

// Fallbackable reports whether a direct transfer error should trigger the
// relay fallback path. Explicit decline is a user decision and never does.
func Fallbackable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNegotiationDeclined)
}
