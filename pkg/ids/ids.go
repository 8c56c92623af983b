// Package ids defines the random identifiers of instances and clients.
//
// Both are 128 bit UUIDs whose string form is url-safe base64 without
// padding, so they can be embedded in URLs as is.
package ids

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

var encoding = base64.RawURLEncoding

// InstanceId identifies an instance on a server.
type InstanceId uuid.UUID

// ClientId identifies a client across connections.
type ClientId uuid.UUID

func NewInstanceId() InstanceId {
	return InstanceId(uuid.New())
}

func NewClientId() ClientId {
	return ClientId(uuid.New())
}

func ParseInstanceId(s string) (InstanceId, error) {
	u, err := parse(s)
	return InstanceId(u), err
}

func ParseClientId(s string) (ClientId, error) {
	u, err := parse(s)
	return ClientId(u), err
}

func (id InstanceId) String() string { return encoding.EncodeToString(id[:]) }
func (id ClientId) String() string   { return encoding.EncodeToString(id[:]) }

func (id InstanceId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id ClientId) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }

func (id *InstanceId) UnmarshalText(b []byte) error {
	u, err := parse(string(b))
	if err != nil {
		return err
	}
	*id = InstanceId(u)
	return nil
}

func (id *ClientId) UnmarshalText(b []byte) error {
	u, err := parse(string(b))
	if err != nil {
		return err
	}
	*id = ClientId(u)
	return nil
}

func parse(s string) (uuid.UUID, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return u, nil
}
