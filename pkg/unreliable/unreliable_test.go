package unreliable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRecv(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockDatagramConn(ctrl)
	conn.EXPECT().ReceiveDatagram(gomock.Any()).Return([]byte("one"), nil)
	conn.EXPECT().ReceiveDatagram(gomock.Any()).Return([]byte("two"), nil)

	d := New(conn)
	b, err := d.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), b)

	b, err = d.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), b)
}

func TestCancelledRecvKeepsPendingReceive(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockDatagramConn(ctrl)

	release := make(chan struct{})
	conn.EXPECT().ReceiveDatagram(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}).Times(1)

	d := New(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	b, err := d.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), b)
}

func TestConcurrentRecv(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockDatagramConn(ctrl)

	started := make(chan struct{})
	conn.EXPECT().ReceiveDatagram(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	conn.EXPECT().CloseWithError(transport.CodeNoError, gomock.Any()).Return(nil)

	d := New(conn)
	errs := make(chan error, 1)
	go func() {
		_, err := d.Recv(context.Background())
		errs <- err
	}()
	<-started

	_, err := d.Recv(context.Background())
	assert.ErrorIs(t, err, ErrConcurrentRecv)

	require.NoError(t, d.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestRecvError(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockDatagramConn(ctrl)
	boom := errors.New("boom")
	conn.EXPECT().ReceiveDatagram(gomock.Any()).Return(nil, boom)

	_, err := New(conn).Recv(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "failed to receive datagram")
}

func TestSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockDatagramConn(ctrl)
	boom := errors.New("too large")
	conn.EXPECT().SendDatagram([]byte("ok")).Return(nil)
	conn.EXPECT().SendDatagram([]byte("big")).Return(boom)

	d := New(conn)
	assert.NoError(t, d.Send([]byte("ok")))
	err := d.Send([]byte("big"))
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "failed to send datagram")
	assert.NoError(t, d.Flush())
}
