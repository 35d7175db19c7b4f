package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := HandshakeRequest{ObjectType: 3, InstMode: 1}
	require.NoError(t, WriteHandshakeRequest(&buf, req))

	got, err := ReadHandshakeRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestHandshakeResponseWithSignalPort(t *testing.T) {
	var buf bytes.Buffer
	port := int32(9288)
	resp := HandshakeResponse{ObjectOK: 0, ModeOK: 0, SignalPort: &port}
	require.NoError(t, WriteHandshakeResponse(&buf, resp))

	got, err := ReadHandshakeResponse(&buf, true)
	require.NoError(t, err)
	assert.True(t, got.Accepted())
	require.NotNil(t, got.SignalPort)
	assert.Equal(t, port, *got.SignalPort)
}

func TestHandshakeResponseRejectedOmitsSignalPort(t *testing.T) {
	var buf bytes.Buffer
	resp := HandshakeResponse{ObjectOK: 1, ModeOK: 0}
	require.NoError(t, WriteHandshakeResponse(&buf, resp))

	got, err := ReadHandshakeResponse(&buf, true)
	require.NoError(t, err)
	assert.False(t, got.Accepted())
	assert.Nil(t, got.SignalPort)
}

func TestSendBufferCapacityRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSendBufferCapacity(&buf, 65536))
	got, err := ReadSendBufferCapacity(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(65536), got)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 0)))
	// corrupt the length prefix directly to something absurd
	raw := buf.Bytes()
	raw[0] = 0xFF
	_, err := ReadFrame(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestTraceMsgRoundTrip(t *testing.T) {
	ts := int64(1234567890)
	body := TraceMsgBody{Timestamp: &ts, PackedID: int32(1<<26 | 7), Signature: "Foo.bar()V"}
	raw, err := body.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalTraceMsg(raw, true)
	require.NoError(t, err)
	assert.Equal(t, body.PackedID, got.PackedID)
	assert.Equal(t, body.Signature, got.Signature)
	require.NotNil(t, got.Timestamp)
	assert.Equal(t, ts, *got.Timestamp)
}

func TestTraceMsgRoundTripWithoutTimestamp(t *testing.T) {
	body := TraceMsgBody{PackedID: 42, Signature: "Foo.bar()V"}
	raw, err := body.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalTraceMsg(raw, false)
	require.NoError(t, err)
	assert.Equal(t, body.PackedID, got.PackedID)
	assert.Nil(t, got.Timestamp)
}

func TestCoverageBatchRoundTrip(t *testing.T) {
	body := CoverageBatchBody{Methods: []CoverageBatchEntry{
		{Signature: "Foo.a()V", Hits: []byte{0xFF, 0x01}},
		{Signature: "Foo.b()V", Hits: []byte{0x00}},
	}}
	raw, err := body.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalCoverageBatch(raw)
	require.NoError(t, err)
	require.Len(t, got.Methods, 2)
	assert.Equal(t, body.Methods[0].Signature, got.Methods[0].Signature)
	assert.Equal(t, body.Methods[0].Hits, got.Methods[0].Hits)
	assert.Equal(t, body.Methods[1].Hits, got.Methods[1].Hits)
}

func TestSequenceBatchRoundTrip(t *testing.T) {
	body := SequenceBatchBody{
		NewBindings: []SequenceBinding{
			{ObjCount: 1, SigIndex: 0, Signature: "Foo.a()V"},
			{ObjCount: 3, SigIndex: 1, Signature: "Foo.b()V"},
		},
		Entries: []int32{1, 2, int32(-0x04000000), 3},
	}
	raw, err := body.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalSequenceBatch(raw)
	require.NoError(t, err)
	assert.Equal(t, body.NewBindings, got.NewBindings)
	assert.Equal(t, body.Entries, got.Entries)
}

// TestSequenceReplayIsIdempotent exercises spec §8's sequence-replay
// property: marshaling the same logical batch twice and replaying both
// through Unmarshal must produce identical entry streams, independent
// of how many times the round trip runs.
func TestSequenceReplayIsIdempotent(t *testing.T) {
	body := SequenceBatchBody{
		NewBindings: []SequenceBinding{{ObjCount: 1, SigIndex: 0, Signature: "Foo.a()V"}},
		Entries:     []int32{10, 11, 12},
	}

	var first, second SequenceBatchBody
	for i, dst := range []*SequenceBatchBody{&first, &second} {
		_ = i
		raw, err := body.Marshal()
		require.NoError(t, err)
		got, err := UnmarshalSequenceBatch(raw)
		require.NoError(t, err)
		*dst = got
	}

	assert.Equal(t, first, second)
}

func TestObjCountRoundTrip(t *testing.T) {
	body := ObjCountBody{Signature: "Foo.bar()V", ObjCount: 12}
	raw, err := body.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalObjCount(raw)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestPeekTagDistinguishesPrimaryFromObjCount(t *testing.T) {
	trace, err := TraceMsgBody{PackedID: 1, Signature: "x"}.Marshal()
	require.NoError(t, err)
	tag, err := PeekTag(trace)
	require.NoError(t, err)
	assert.Equal(t, TagPrimary, tag)

	oc, err := ObjCountBody{Signature: "x", ObjCount: 1}.Marshal()
	require.NoError(t, err)
	tag, err = PeekTag(oc)
	require.NoError(t, err)
	assert.Equal(t, TagObjCount, tag)
}

func TestPeekTagRejectsEmptyPayload(t *testing.T) {
	_, err := PeekTag(nil)
	assert.Error(t, err)
}
