package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/messages"
	"github.com/QYUbit/replicate/pkg/messages/manager"
	"github.com/QYUbit/replicate/pkg/transport"
)

type managerFramed = framed.Framed[manager.ServerboundFrame, manager.ClientboundFrame]

// serveManager answers manager requests, one response per request in
// order, until the client disconnects.
func (s *Server) serveManager(ctx context.Context, conn transport.Conn, logger axlog.Logger) error {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to accept manager stream: %w", err)
	}
	f := framed.New[manager.ServerboundFrame, manager.ClientboundFrame](stream, framed.WithCodec(s.cfg.Codec))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		conn.CloseWithError(transport.CodeNoError, "")
	})

	msg, err := recvManager(f)
	if err != nil {
		return s.fail(conn, fmt.Errorf("failed to receive handshake request: %w", err))
	}
	if _, ok := msg.(manager.HandshakeRequest); !ok {
		return s.fail(conn, messages.ErrHandshakeExpected)
	}
	if err := sendManager(f, manager.HandshakeResponse{}); err != nil {
		return fmt.Errorf("failed to send handshake response: %w", err)
	}
	logger.Debug("manager handshake complete")

	for {
		msg, err := recvManager(f)
		if err != nil {
			if errors.Is(err, io.EOF) || conn.Context().Err() != nil {
				logger.Debug("peer disconnected")
				return nil
			}
			return s.fail(conn, fmt.Errorf("failed to receive manager request: %w", err))
		}

		var resp manager.Clientbound
		switch msg := msg.(type) {
		case manager.HandshakeRequest:
			return s.fail(conn, messages.ErrDuplicateHandshake)
		case manager.InstanceCreateRequest:
			inst, err := s.cfg.Instances.Create(ctx)
			if err != nil {
				conn.CloseWithError(transport.CodeInternal, "failed to create instance")
				return err
			}
			logger.Info("created instance", "instance", inst.ID())
			resp = manager.InstanceCreateResponse{Id: inst.ID()}
		case manager.InstanceUrlRequest:
			resp = manager.InstanceUrlResponse{Url: s.InstanceURL(msg.Id)}
		}

		if err := sendManager(f, resp); err != nil {
			if conn.Context().Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to send manager response: %w", err)
		}
	}
}

// fail closes conn as a protocol violation and returns err.
func (s *Server) fail(conn transport.Conn, err error) error {
	conn.CloseWithError(transport.CodeProtocolViolation, err.Error())
	return err
}

func recvManager(f *managerFramed) (manager.Serverbound, error) {
	frame, err := f.Recv()
	if err != nil {
		return nil, err
	}
	return frame.Unwrap()
}

func sendManager(f *managerFramed, msg manager.Clientbound) error {
	frame, err := manager.WrapClientbound(msg)
	if err != nil {
		return err
	}
	return f.SendFlush(frame)
}
