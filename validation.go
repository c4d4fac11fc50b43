package netcore

import "errors"

// Validator accumulates validation errors found while inspecting a wire
// frame. Protocol packages (ethernet, arp, ipv4, icmp, igmp, udp) report
// into a Validator from their ValidateSize methods instead of returning
// on the first problem found, so a caller can inspect every defect in a
// single packet if it wants to.
//
// The zero value is ready to use.
type Validator struct {
	accum []error
}

// AddError appends err to the accumulated errors. AddError panics if err is nil.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("netcore: AddError called with nil error")
	}
	v.accum = append(v.accum, err)
}

// HasError reports whether any error has been accumulated.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns the accumulated errors joined into one, or nil if none were recorded.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// ErrPop returns the accumulated errors as Err does (nil if none) and resets the Validator for reuse.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.Reset()
	return err
}

// Reset clears the accumulated errors so the Validator can be reused.
func (v *Validator) Reset() { v.accum = v.accum[:0] }
