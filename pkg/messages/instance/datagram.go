package instance

import (
	"github.com/QYUbit/replicate/pkg/datamodel"
	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/messages"
)

// Datagram is an unreliable message. Both directions use the same set.
type Datagram interface {
	isDatagram()
}

// Prime opens the unreliable channel in one direction. Clients send it
// after the handshake, the server echoes it back.
type Prime struct {
	ClientId ids.ClientId `json:"client_id" msgpack:"client_id"`
}

// Mutations carries the latest states of some entities. Receivers ignore
// batches whose Seq is not newer than the last one they applied.
type Mutations struct {
	Seq      uint32        `json:"seq" msgpack:"seq"`
	Entities []EntityState `json:"entities" msgpack:"entities"`
}

type EntityState struct {
	Namespace entity.Namespace `json:"namespace" msgpack:"namespace"`
	Idx       entity.Index     `json:"idx" msgpack:"idx"`
	State     datamodel.State  `json:"state" msgpack:"state"`
}

func (s EntityState) Id() entity.Id {
	return entity.Id{Namespace: s.Namespace, Idx: s.Idx}
}

// EstimateSize approximates the encoded size of s inside a Mutations
// batch, accounting for the base64 expansion of JSON.
func EstimateSize(s EntityState) int {
	return (len(s.State)+2)/3*4 + 72
}

func (Prime) isDatagram()     {}
func (Mutations) isDatagram() {}

type DatagramFrame struct {
	Prime     *Prime     `json:"Prime,omitempty" msgpack:"Prime,omitempty"`
	Mutations *Mutations `json:"Mutations,omitempty" msgpack:"Mutations,omitempty"`
}

func WrapDatagram(msg Datagram) (DatagramFrame, error) {
	var f DatagramFrame
	switch m := msg.(type) {
	case Prime:
		f.Prime = &m
	case Mutations:
		f.Mutations = &m
	default:
		return f, &messages.UnknownVariantError{Set: "datagram", Msg: msg}
	}
	return f, nil
}

func (f DatagramFrame) Unwrap() (Datagram, error) {
	msg, err := messages.Single(
		messages.V("Prime", f.Prime),
		messages.V("Mutations", f.Mutations),
	)
	if err != nil {
		return nil, err
	}
	return msg.(Datagram), nil
}

// SeqNewer reports whether a is newer than b, tolerating wrap-around.
func SeqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
