package framed

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	Seq  int    `json:"seq" msgpack:"seq"`
	Text string `json:"text" msgpack:"text"`
}

func TestSendRecv(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			f := New[ping, ping](&buf, WithCodec(codec))

			require.NoError(t, f.Send(ping{Seq: 1, Text: "a"}))
			require.NoError(t, f.Send(ping{Seq: 2, Text: "b"}))
			assert.Zero(t, buf.Len(), "nothing is written before flush")
			require.NoError(t, f.Flush())

			got, err := f.Recv()
			require.NoError(t, err)
			assert.Equal(t, ping{Seq: 1, Text: "a"}, got)

			got, err = f.Recv()
			require.NoError(t, err)
			assert.Equal(t, ping{Seq: 2, Text: "b"}, got)

			_, err = f.Recv()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	f := New[ping, ping](&buf)
	require.NoError(t, f.SendFlush(ping{Seq: 3, Text: "x"}))

	payload := `{"seq":3,"text":"x"}`
	require.Equal(t, 4+len(payload), buf.Len())
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(buf.Bytes()[:4]))
	assert.Equal(t, payload, buf.String()[4:])
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(10))
	buf.WriteString("{}")

	f := New[ping, ping](&buf)
	_, err := f.Recv()

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, "payload", frameErr.Op)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTruncatedHeader(t *testing.T) {
	f := New[ping, ping](bytes.NewBuffer([]byte{0, 0}))
	_, err := f.Recv()

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, "header", frameErr.Op)
}

func TestMalformedPayload(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(5))
	buf.WriteString("nope!")

	f := New[ping, ping](&buf)
	_, err := f.Recv()

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, "decode", frameErr.Op)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	f := New[ping, ping](&buf, WithMaxFrameLen(8))

	assert.ErrorIs(t, f.Send(ping{Text: "way too long"}), ErrFrameTooLarge)

	binary.Write(&buf, binary.BigEndian, uint32(9))
	_, err := f.Recv()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestOverPipe(t *testing.T) {
	a, b := net.Pipe()
	client := New[ping, ping](a)
	server := New[ping, ping](b)
	defer client.Close()

	go func() {
		defer server.Close()
		for {
			msg, err := server.Recv()
			if err != nil {
				return
			}
			msg.Seq++
			if err := server.SendFlush(msg); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.SendFlush(ping{Seq: i * 10}))
		got, err := client.Recv()
		require.NoError(t, err)
		assert.Equal(t, i*10+1, got.Seq)
	}
}

func TestCodecByName(t *testing.T) {
	c, ok := CodecByName("msgpack")
	require.True(t, ok)
	assert.Equal(t, Msgpack, c)

	_, ok = CodecByName("protobuf")
	assert.False(t, ok)
}

func TestStringHidesTransport(t *testing.T) {
	f := New[ping, ping](&bytes.Buffer{})
	assert.Equal(t, "Framed(json)", f.String())
	assert.NoError(t, f.Close())
}
