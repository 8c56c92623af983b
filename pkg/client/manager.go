package client

import (
	"context"
	"fmt"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/messages/manager"
	"github.com/QYUbit/replicate/pkg/transport"
)

// Manager is a connection to the manager channel of a server.
//
// A Manager is not safe for concurrent use. Responses carry no request id
// and are matched to requests by order, so only one request may be in
// flight at a time.
type Manager struct {
	conn   transport.Conn
	f      *framed.Framed[manager.ClientboundFrame, manager.ServerboundFrame]
	state  stateCell
	logger axlog.Logger
}

// ConnectManager dials the manager URL and performs the handshake.
func ConnectManager(ctx context.Context, url string, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{logger: cfg.Logger}
	m.state.set(StateConnecting)

	conn, err := dial(ctx, url, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to manager: %w", err)
	}
	m.conn = conn

	stop := closeOnCancel(ctx, conn)
	defer stop()

	if err := m.handshake(ctx, cfg.Codec); err != nil {
		m.state.set(StateClosed)
		conn.CloseWithError(transport.CodeProtocolViolation, "handshake failed")
		return nil, fmt.Errorf("failed to connect to manager: %w", err)
	}
	m.state.set(StateOpen)
	m.logger.Debug("connected to manager", "remote", conn.RemoteAddr())
	return m, nil
}

func (m *Manager) handshake(ctx context.Context, codec framed.Codec) error {
	stream, err := m.conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	m.f = framed.New[manager.ClientboundFrame, manager.ServerboundFrame](stream, framed.WithCodec(codec))

	if err := m.send(manager.HandshakeRequest{}); err != nil {
		return fmt.Errorf("failed to send handshake request: %w", err)
	}
	m.state.set(StateHandshakeRequested)

	resp, err := m.recv()
	if err != nil {
		return fmt.Errorf("failed to receive handshake response: %w", err)
	}
	if _, ok := resp.(manager.HandshakeResponse); !ok {
		return &UnexpectedMessageError{Expected: "HandshakeResponse", Got: resp}
	}
	m.state.set(StateHandshaked)
	return nil
}

func (m *Manager) State() ConnState {
	return m.state.load()
}

// InstanceCreate asks the server to create a new instance.
func (m *Manager) InstanceCreate(ctx context.Context) (ids.InstanceId, error) {
	resp, err := m.request(ctx, manager.InstanceCreateRequest{})
	if err != nil {
		return ids.InstanceId{}, fmt.Errorf("failed to create instance: %w", err)
	}
	created, ok := resp.(manager.InstanceCreateResponse)
	if !ok {
		return ids.InstanceId{}, &UnexpectedMessageError{Expected: "InstanceCreateResponse", Got: resp}
	}
	return created.Id, nil
}

// InstanceURL asks the server for the URL of an instance.
func (m *Manager) InstanceURL(ctx context.Context, id ids.InstanceId) (string, error) {
	resp, err := m.request(ctx, manager.InstanceUrlRequest{Id: id})
	if err != nil {
		return "", fmt.Errorf("failed to get instance url: %w", err)
	}
	u, ok := resp.(manager.InstanceUrlResponse)
	if !ok {
		return "", &UnexpectedMessageError{Expected: "InstanceUrlResponse", Got: resp}
	}
	return u.Url, nil
}

// request sends req and waits for the next response. If ctx is done first,
// the connection is closed since the response could no longer be matched.
func (m *Manager) request(ctx context.Context, req manager.Serverbound) (manager.Clientbound, error) {
	if s := m.State(); s != StateOpen {
		return nil, fmt.Errorf("manager connection is %s", s)
	}

	stop := closeOnCancel(ctx, m.conn)
	defer stop()

	if err := m.send(req); err != nil {
		m.state.set(StateClosed)
		return nil, err
	}
	resp, err := m.recv()
	if err != nil {
		m.state.set(StateClosed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

func (m *Manager) send(msg manager.Serverbound) error {
	frame, err := manager.WrapServerbound(msg)
	if err != nil {
		return err
	}
	return m.f.SendFlush(frame)
}

func (m *Manager) recv() (manager.Clientbound, error) {
	frame, err := m.f.Recv()
	if err != nil {
		return nil, err
	}
	return frame.Unwrap()
}

func (m *Manager) Close() error {
	m.state.set(StateClosed)
	return m.conn.CloseWithError(transport.CodeNoError, "")
}
