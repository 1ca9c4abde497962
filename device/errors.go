package device

import "github.com/openqmi/qmicore/qmierr"

// Error and Kind are re-exported from qmierr so callers of this package
// never need to import it directly, while qmiwire, transport and netport
// can raise the same typed errors without importing device (which would
// create an import cycle, since device imports all three).
type (
	Error = qmierr.Error
	Kind  = qmierr.Kind
)

const (
	Failed            = qmierr.Failed
	WrongState        = qmierr.WrongState
	Timeout           = qmierr.Timeout
	InvalidArgs       = qmierr.InvalidArgs
	InvalidMessage    = qmierr.InvalidMessage
	TLVNotFound       = qmierr.TLVNotFound
	TLVTooLong        = qmierr.TLVTooLong
	Aborted           = qmierr.Aborted
	Unsupported       = qmierr.Unsupported
	UnexpectedMessage = qmierr.UnexpectedMessage
)

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool { return qmierr.Is(err, kind) }
