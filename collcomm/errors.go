package collcomm

import "github.com/pkg/errors"

// Error kinds returned by every layer of the engine.
//
// Errors are wrapped with context on the way up, so
// callers should compare kinds with errors.Is.
var (
	ErrParamInvalid  = errors.New("parameter invalid")
	ErrInternal      = errors.New("internal invariant violated")
	ErrNullResource  = errors.New("null resource")
	ErrNotFound      = errors.New("not found")
	ErrNotSupported  = errors.New("not supported")
	ErrMemoryInvalid = errors.New("memory invalid")
)

// ParamInvalidf wraps ErrParamInvalid with a message.
func ParamInvalidf(format string, args ...any) error {
	return errors.Wrapf(ErrParamInvalid, format, args...)
}

// Internalf wraps ErrInternal with a message.
func Internalf(format string, args ...any) error {
	return errors.Wrapf(ErrInternal, format, args...)
}

// NullResourcef wraps ErrNullResource with a message.
func NullResourcef(format string, args ...any) error {
	return errors.Wrapf(ErrNullResource, format, args...)
}

// NotFoundf wraps ErrNotFound with a message.
func NotFoundf(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// NotSupportedf wraps ErrNotSupported with a message.
func NotSupportedf(format string, args ...any) error {
	return errors.Wrapf(ErrNotSupported, format, args...)
}

// MemoryInvalidf wraps ErrMemoryInvalid with a message.
func MemoryInvalidf(format string, args ...any) error {
	return errors.Wrapf(ErrMemoryInvalid, format, args...)
}
