package manager

import (
	"testing"

	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/messages"
	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInstance = ids.InstanceId(uuid.MustParse("00000000-0000-0000-0000-000000000001"))

func TestWireFormat(t *testing.T) {
	g := goldie.New(t)

	sb, err := WrapServerbound(InstanceUrlRequest{Id: testInstance})
	require.NoError(t, err)
	b, err := framed.JSON.Marshal(sb)
	require.NoError(t, err)
	g.Assert(t, "instance_url_request", b)

	cb, err := WrapClientbound(HandshakeResponse{})
	require.NoError(t, err)
	b, err = framed.JSON.Marshal(cb)
	require.NoError(t, err)
	g.Assert(t, "handshake_response", b)
}

func TestDecodeAndDispatch(t *testing.T) {
	var f ServerboundFrame
	require.NoError(t, framed.JSON.Unmarshal([]byte(`{"InstanceCreateRequest":{}}`), &f))

	msg, err := f.Unwrap()
	require.NoError(t, err)
	switch msg.(type) {
	case InstanceCreateRequest:
	default:
		t.Fatalf("unexpected message %T", msg)
	}
}

func TestUnwrapRejectsMalformedFrames(t *testing.T) {
	_, err := ServerboundFrame{}.Unwrap()
	assert.ErrorIs(t, err, messages.ErrEmptyFrame)

	_, err = ClientboundFrame{
		HandshakeResponse:   &HandshakeResponse{},
		InstanceUrlResponse: &InstanceUrlResponse{Url: "https://example.test/"},
	}.Unwrap()
	var ambiguous *messages.AmbiguousFrameError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{"HandshakeResponse", "InstanceUrlResponse"}, ambiguous.Variants)
}

func TestMsgpack(t *testing.T) {
	f, err := WrapClientbound(InstanceCreateResponse{Id: testInstance})
	require.NoError(t, err)

	b, err := framed.Msgpack.Marshal(f)
	require.NoError(t, err)

	var got ClientboundFrame
	require.NoError(t, framed.Msgpack.Unmarshal(b, &got))
	msg, err := got.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, InstanceCreateResponse{Id: testInstance}, msg)
}
