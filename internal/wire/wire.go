// Package wire implements the length-framed binary protocol between a
// runtime probe and the event dispatcher (spec §6): a two-step
// handshake negotiating object type and instrumentation mode, followed
// by a stream of length-prefixed, tagged payload frames. All integers
// are big-endian, following the teacher's internal/protocol/frame.go
// field-by-field binary.Write/Read idiom rather than a generated codec.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ocx/tracer/internal/errs"
)

// HandshakeRequest is sent probe -> host first.
type HandshakeRequest struct {
	ObjectType int32
	InstMode   int32
}

func WriteHandshakeRequest(w io.Writer, req HandshakeRequest) error {
	if err := binary.Write(w, binary.BigEndian, req.ObjectType); err != nil {
		return errs.New(errs.Handshake, "wire.WriteHandshakeRequest", err)
	}
	if err := binary.Write(w, binary.BigEndian, req.InstMode); err != nil {
		return errs.New(errs.Handshake, "wire.WriteHandshakeRequest", err)
	}
	return nil
}

func ReadHandshakeRequest(r io.Reader) (HandshakeRequest, error) {
	var req HandshakeRequest
	if err := binary.Read(r, binary.BigEndian, &req.ObjectType); err != nil {
		return req, errs.New(errs.Handshake, "wire.ReadHandshakeRequest", err)
	}
	if err := binary.Read(r, binary.BigEndian, &req.InstMode); err != nil {
		return req, errs.New(errs.Handshake, "wire.ReadHandshakeRequest", err)
	}
	return req, nil
}

// HandshakeResponse is sent host -> probe second. SignalPort is present
// only when the probe requested a signal socket.
type HandshakeResponse struct {
	ObjectOK   byte // 0 = ok, 1 = reject
	ModeOK     byte // 0 = ok, 1 = reject
	SignalPort *int32
}

func (r HandshakeResponse) Accepted() bool {
	return r.ObjectOK == 0 && r.ModeOK == 0
}

func WriteHandshakeResponse(w io.Writer, resp HandshakeResponse) error {
	if err := binary.Write(w, binary.BigEndian, resp.ObjectOK); err != nil {
		return errs.New(errs.Handshake, "wire.WriteHandshakeResponse", err)
	}
	if err := binary.Write(w, binary.BigEndian, resp.ModeOK); err != nil {
		return errs.New(errs.Handshake, "wire.WriteHandshakeResponse", err)
	}
	if resp.SignalPort != nil {
		if err := binary.Write(w, binary.BigEndian, *resp.SignalPort); err != nil {
			return errs.New(errs.Handshake, "wire.WriteHandshakeResponse", err)
		}
	}
	return nil
}

// ReadHandshakeResponse reads the accept/reject bytes and, if
// wantSignalPort, the trailing signal port.
func ReadHandshakeResponse(r io.Reader, wantSignalPort bool) (HandshakeResponse, error) {
	var resp HandshakeResponse
	if err := binary.Read(r, binary.BigEndian, &resp.ObjectOK); err != nil {
		return resp, errs.New(errs.Handshake, "wire.ReadHandshakeResponse", err)
	}
	if err := binary.Read(r, binary.BigEndian, &resp.ModeOK); err != nil {
		return resp, errs.New(errs.Handshake, "wire.ReadHandshakeResponse", err)
	}
	if wantSignalPort && resp.Accepted() {
		var port int32
		if err := binary.Read(r, binary.BigEndian, &port); err != nil {
			return resp, errs.New(errs.Handshake, "wire.ReadHandshakeResponse", err)
		}
		resp.SignalPort = &port
	}
	return resp, nil
}

// WriteSendBufferCapacity is the handshake's final probe -> host leg.
func WriteSendBufferCapacity(w io.Writer, capacity int32) error {
	if err := binary.Write(w, binary.BigEndian, capacity); err != nil {
		return errs.New(errs.Handshake, "wire.WriteSendBufferCapacity", err)
	}
	return nil
}

func ReadSendBufferCapacity(r io.Reader) (int32, error) {
	var capacity int32
	if err := binary.Read(r, binary.BigEndian, &capacity); err != nil {
		return 0, errs.New(errs.Handshake, "wire.ReadSendBufferCapacity", err)
	}
	return capacity, nil
}

// maxFrameLen guards against a corrupt length prefix asking for an
// implausible allocation.
const maxFrameLen = 64 << 20

// ReadFrame reads one length-prefixed payload: uint64 length, then that
// many bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint64
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.New(errs.BadFileFormat, "wire.ReadFrame", err)
	}
	if length > maxFrameLen {
		return nil, errs.New(errs.BadFileFormat, "wire.ReadFrame", fmt.Errorf("frame length %d exceeds max %d", length, maxFrameLen))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.ReadFrame", err)
	}
	return payload, nil
}

// WriteFrame writes a length-prefixed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint64(len(payload))); err != nil {
		return errs.New(errs.BadFileFormat, "wire.WriteFrame", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.New(errs.BadFileFormat, "wire.WriteFrame", err)
	}
	return nil
}

// Tag identifies a data-frame payload's shape. The same tag value means
// different things in different instrumentation modes, since only one
// shape is possible once the handshake has fixed the mode for a
// connection (spec §6).
type Tag byte

const (
	TagPrimary  Tag = 0x01 // TraceMsg / CoverageBatch / SequenceBatch depending on mode
	TagObjCount Tag = 0x02 // ObjCount, Compatible mode only
)

func writeString16(buf *bytes.Buffer, s string) error {
	if len(s) > 1<<16-1 {
		return fmt.Errorf("wire: string of length %d exceeds uint16 field", len(s))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString16(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}
