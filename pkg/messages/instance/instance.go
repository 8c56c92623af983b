// Package instance defines the messages exchanged with an instance: the
// reliable channel carrying the handshake and entity lifecycle, and the
// datagrams carrying frequent state mutations.
package instance

import (
	"github.com/QYUbit/replicate/pkg/datamodel"
	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/messages"
)

// Serverbound is a reliable message sent from client to server.
type Serverbound interface {
	isServerbound()
}

// Clientbound is a reliable message sent from server to client.
type Clientbound interface {
	isClientbound()
}

type HandshakeRequest struct {
	ClientId ids.ClientId `json:"client_id" msgpack:"client_id"`
}

// SpawnEntities spawns entities in the sender's namespace.
type SpawnEntities struct {
	States map[entity.Index]datamodel.State `json:"states" msgpack:"states"`
}

// UpdateEntities reliably sets the state of entities in any namespace.
type UpdateEntities struct {
	Namespace entity.Namespace                 `json:"namespace" msgpack:"namespace"`
	States    map[entity.Index]datamodel.State `json:"states" msgpack:"states"`
}

type DespawnEntities struct {
	Namespace entity.Namespace `json:"namespace" msgpack:"namespace"`
	Entities  []entity.Index   `json:"entities" msgpack:"entities"`
}

type HandshakeResponse struct {
	Namespace entity.Namespace `json:"namespace" msgpack:"namespace"`
}

type EntitiesSpawned struct {
	Namespace entity.Namespace                 `json:"namespace" msgpack:"namespace"`
	States    map[entity.Index]datamodel.State `json:"states" msgpack:"states"`
}

type EntitiesUpdated struct {
	Namespace entity.Namespace                 `json:"namespace" msgpack:"namespace"`
	States    map[entity.Index]datamodel.State `json:"states" msgpack:"states"`
}

type EntitiesDespawned struct {
	Namespace entity.Namespace `json:"namespace" msgpack:"namespace"`
	Entities  []entity.Index   `json:"entities" msgpack:"entities"`
}

func (HandshakeRequest) isServerbound() {}
func (SpawnEntities) isServerbound()    {}
func (UpdateEntities) isServerbound()   {}
func (DespawnEntities) isServerbound()  {}

func (HandshakeResponse) isClientbound() {}
func (EntitiesSpawned) isClientbound()   {}
func (EntitiesUpdated) isClientbound()   {}
func (EntitiesDespawned) isClientbound() {}

type ServerboundFrame struct {
	HandshakeRequest *HandshakeRequest `json:"HandshakeRequest,omitempty" msgpack:"HandshakeRequest,omitempty"`
	SpawnEntities    *SpawnEntities    `json:"SpawnEntities,omitempty" msgpack:"SpawnEntities,omitempty"`
	UpdateEntities   *UpdateEntities   `json:"UpdateEntities,omitempty" msgpack:"UpdateEntities,omitempty"`
	DespawnEntities  *DespawnEntities  `json:"DespawnEntities,omitempty" msgpack:"DespawnEntities,omitempty"`
}

type ClientboundFrame struct {
	HandshakeResponse *HandshakeResponse `json:"HandshakeResponse,omitempty" msgpack:"HandshakeResponse,omitempty"`
	SpawnEntities     *EntitiesSpawned   `json:"SpawnEntities,omitempty" msgpack:"SpawnEntities,omitempty"`
	UpdateEntities    *EntitiesUpdated   `json:"UpdateEntities,omitempty" msgpack:"UpdateEntities,omitempty"`
	DespawnEntities   *EntitiesDespawned `json:"DespawnEntities,omitempty" msgpack:"DespawnEntities,omitempty"`
}

func WrapServerbound(msg Serverbound) (ServerboundFrame, error) {
	var f ServerboundFrame
	switch m := msg.(type) {
	case HandshakeRequest:
		f.HandshakeRequest = &m
	case SpawnEntities:
		f.SpawnEntities = &m
	case UpdateEntities:
		f.UpdateEntities = &m
	case DespawnEntities:
		f.DespawnEntities = &m
	default:
		return f, &messages.UnknownVariantError{Set: "instance serverbound", Msg: msg}
	}
	return f, nil
}

func (f ServerboundFrame) Unwrap() (Serverbound, error) {
	msg, err := messages.Single(
		messages.V("HandshakeRequest", f.HandshakeRequest),
		messages.V("SpawnEntities", f.SpawnEntities),
		messages.V("UpdateEntities", f.UpdateEntities),
		messages.V("DespawnEntities", f.DespawnEntities),
	)
	if err != nil {
		return nil, err
	}
	return msg.(Serverbound), nil
}

func WrapClientbound(msg Clientbound) (ClientboundFrame, error) {
	var f ClientboundFrame
	switch m := msg.(type) {
	case HandshakeResponse:
		f.HandshakeResponse = &m
	case EntitiesSpawned:
		f.SpawnEntities = &m
	case EntitiesUpdated:
		f.UpdateEntities = &m
	case EntitiesDespawned:
		f.DespawnEntities = &m
	default:
		return f, &messages.UnknownVariantError{Set: "instance clientbound", Msg: msg}
	}
	return f, nil
}

func (f ClientboundFrame) Unwrap() (Clientbound, error) {
	msg, err := messages.Single(
		messages.V("HandshakeResponse", f.HandshakeResponse),
		messages.V("SpawnEntities", f.SpawnEntities),
		messages.V("UpdateEntities", f.UpdateEntities),
		messages.V("DespawnEntities", f.DespawnEntities),
	)
	if err != nil {
		return nil, err
	}
	return msg.(Clientbound), nil
}
