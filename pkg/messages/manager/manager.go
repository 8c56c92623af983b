// Package manager defines the messages of the manager channel, used to
// create instances and look up their URLs.
package manager

import (
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/messages"
)

// Serverbound is a message sent from client to server.
type Serverbound interface {
	isServerbound()
}

// Clientbound is a message sent from server to client.
type Clientbound interface {
	isClientbound()
}

type HandshakeRequest struct{}

type InstanceCreateRequest struct{}

type InstanceUrlRequest struct {
	Id ids.InstanceId `json:"id" msgpack:"id"`
}

type HandshakeResponse struct{}

type InstanceCreateResponse struct {
	Id ids.InstanceId `json:"id" msgpack:"id"`
}

type InstanceUrlResponse struct {
	Url string `json:"url" msgpack:"url"`
}

func (HandshakeRequest) isServerbound()      {}
func (InstanceCreateRequest) isServerbound() {}
func (InstanceUrlRequest) isServerbound()    {}

func (HandshakeResponse) isClientbound()      {}
func (InstanceCreateResponse) isClientbound() {}
func (InstanceUrlResponse) isClientbound()    {}

type ServerboundFrame struct {
	HandshakeRequest      *HandshakeRequest      `json:"HandshakeRequest,omitempty" msgpack:"HandshakeRequest,omitempty"`
	InstanceCreateRequest *InstanceCreateRequest `json:"InstanceCreateRequest,omitempty" msgpack:"InstanceCreateRequest,omitempty"`
	InstanceUrlRequest    *InstanceUrlRequest    `json:"InstanceUrlRequest,omitempty" msgpack:"InstanceUrlRequest,omitempty"`
}

type ClientboundFrame struct {
	HandshakeResponse      *HandshakeResponse      `json:"HandshakeResponse,omitempty" msgpack:"HandshakeResponse,omitempty"`
	InstanceCreateResponse *InstanceCreateResponse `json:"InstanceCreateResponse,omitempty" msgpack:"InstanceCreateResponse,omitempty"`
	InstanceUrlResponse    *InstanceUrlResponse    `json:"InstanceUrlResponse,omitempty" msgpack:"InstanceUrlResponse,omitempty"`
}

func WrapServerbound(msg Serverbound) (ServerboundFrame, error) {
	var f ServerboundFrame
	switch m := msg.(type) {
	case HandshakeRequest:
		f.HandshakeRequest = &m
	case InstanceCreateRequest:
		f.InstanceCreateRequest = &m
	case InstanceUrlRequest:
		f.InstanceUrlRequest = &m
	default:
		return f, &messages.UnknownVariantError{Set: "manager serverbound", Msg: msg}
	}
	return f, nil
}

func (f ServerboundFrame) Unwrap() (Serverbound, error) {
	msg, err := messages.Single(
		messages.V("HandshakeRequest", f.HandshakeRequest),
		messages.V("InstanceCreateRequest", f.InstanceCreateRequest),
		messages.V("InstanceUrlRequest", f.InstanceUrlRequest),
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
	case InstanceCreateResponse:
		f.InstanceCreateResponse = &m
	case InstanceUrlResponse:
		f.InstanceUrlResponse = &m
	default:
		return f, &messages.UnknownVariantError{Set: "manager clientbound", Msg: msg}
	}
	return f, nil
}

func (f ClientboundFrame) Unwrap() (Clientbound, error) {
	msg, err := messages.Single(
		messages.V("HandshakeResponse", f.HandshakeResponse),
		messages.V("InstanceCreateResponse", f.InstanceCreateResponse),
		messages.V("InstanceUrlResponse", f.InstanceUrlResponse),
	)
	if err != nil {
		return nil, err
	}
	return msg.(Clientbound), nil
}
