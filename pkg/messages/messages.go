// Package messages holds what the wire schemas of the manager and instance
// channels have in common.
//
// Every message set is a sealed interface implemented by one struct per
// variant. On the wire a message is an object with exactly one key, the
// variant name, mapping to the variant's fields. Each set has a frame type
// with one optional field per variant that the framed codecs encode.
package messages

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyFrame = errors.New("frame carries no message")

	// ErrHandshakeExpected is returned when the first message on a channel
	// is not a handshake request.
	ErrHandshakeExpected = errors.New("expected a handshake request")
	// ErrDuplicateHandshake is returned when a handshake request arrives on
	// a channel that already completed its handshake.
	ErrDuplicateHandshake = errors.New("received a second handshake request")
)

// UnknownVariantError is returned when wrapping a message type that does
// not belong to the message set.
type UnknownVariantError struct {
	Set string
	Msg any
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("%T is not a %s message", e.Msg, e.Set)
}

// AmbiguousFrameError is returned for frames carrying more than one
// variant.
type AmbiguousFrameError struct {
	Variants []string
}

func (e *AmbiguousFrameError) Error() string {
	return fmt.Sprintf("frame carries more than one message: %v", e.Variants)
}

// Variant is a field of a frame.
type Variant struct {
	Name string
	Msg  any
}

// V describes the frame field name pointing to p.
func V[T any](name string, p *T) Variant {
	if p == nil {
		return Variant{Name: name}
	}
	return Variant{Name: name, Msg: *p}
}

// Single picks the only variant set in a frame.
func Single(variants ...Variant) (any, error) {
	var (
		found any
		names []string
	)
	for _, v := range variants {
		if v.Msg == nil {
			continue
		}
		found = v.Msg
		names = append(names, v.Name)
	}
	switch len(names) {
	case 0:
		return nil, ErrEmptyFrame
	case 1:
		return found, nil
	default:
		return nil, &AmbiguousFrameError{Variants: names}
	}
}
