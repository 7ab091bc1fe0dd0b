package lneto

import "errors"

// ValidateFlags controls optional, stricter-than-default validation checks.
type ValidateFlags uint8

const (
	// ValidateEvilBit enables rejection of IPv4 packets with RFC 3514's "evil" bit set.
	ValidateEvilBit ValidateFlags = 1 << iota
)

type fieldError struct {
	bitOffset int
	bitWidth  int
	err       error
}

// Validator accumulates validation errors discovered while checking a wire frame's
// size and field values, so a single pass over a frame's ValidateSize/ValidateExceptCRC
// methods can report every problem found instead of stopping at the first one.
type Validator struct {
	flags ValidateFlags
	errs  []fieldError
}

// SetFlags configures optional validation strictness for subsequent checks.
func (v *Validator) SetFlags(f ValidateFlags) { v.flags = f }

// Flags returns the currently configured validation strictness.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// AddError records a validation failure not tied to a specific header field.
func (v *Validator) AddError(err error) {
	v.errs = append(v.errs, fieldError{err: err})
}

// AddBitPosErr records a validation failure tied to a header field at the given
// bit offset and width, which callers may use to pinpoint the offending field.
func (v *Validator) AddBitPosErr(bitOffset, bitWidth int, err error) {
	v.errs = append(v.errs, fieldError{bitOffset: bitOffset, bitWidth: bitWidth, err: err})
}

// HasError reports whether any validation failure has been recorded.
func (v *Validator) HasError() bool { return len(v.errs) > 0 }

// ErrPop removes and returns the oldest recorded validation error, or nil if none remain.
func (v *Validator) ErrPop() error {
	if len(v.errs) == 0 {
		return nil
	}
	e := v.errs[0]
	v.errs = v.errs[1:]
	return e.err
}

// Err returns all recorded validation errors joined into one, or nil if none were recorded.
// Unlike ErrPop it does not drain the accumulated errors; pair it with ResetErr.
func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	} else if len(v.errs) == 1 {
		return v.errs[0].err
	}
	joined := make([]error, len(v.errs))
	for i, e := range v.errs {
		joined[i] = e.err
	}
	return errors.Join(joined...)
}

// ResetErr clears all recorded errors without touching configured flags.
func (v *Validator) ResetErr() {
	v.errs = v.errs[:0]
}

// Reset clears all recorded errors and flags, preparing the Validator for reuse.
func (v *Validator) Reset() {
	v.errs = v.errs[:0]
	v.flags = 0
}
