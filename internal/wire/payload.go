package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ocx/tracer/internal/errs"
)

// TraceMsgBody is the Compatible-mode data frame body: one probe firing
// per frame, optionally timestamped.
type TraceMsgBody struct {
	Timestamp *int64 // present only when the session negotiated timestamps
	PackedID  int32
	Signature string
}

func (b TraceMsgBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagPrimary))
	if b.Timestamp != nil {
		if err := binary.Write(&buf, binary.BigEndian, *b.Timestamp); err != nil {
			return nil, errs.New(errs.BadFileFormat, "wire.TraceMsgBody.Marshal", err)
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, b.PackedID); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.TraceMsgBody.Marshal", err)
	}
	if err := writeString16(&buf, b.Signature); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.TraceMsgBody.Marshal", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalTraceMsg decodes a TraceMsg body. hasTimestamp must be known
// from the session's negotiated options, since the field is optional
// and not self-describing on the wire.
func UnmarshalTraceMsg(payload []byte, hasTimestamp bool) (TraceMsgBody, error) {
	var b TraceMsgBody
	r := bytes.NewReader(payload)
	if _, err := r.ReadByte(); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalTraceMsg", err)
	}
	if hasTimestamp {
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return b, errs.New(errs.BadFileFormat, "wire.UnmarshalTraceMsg", err)
		}
		b.Timestamp = &ts
	}
	if err := binary.Read(r, binary.BigEndian, &b.PackedID); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalTraceMsg", err)
	}
	sig, err := readString16(r)
	if err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalTraceMsg", err)
	}
	b.Signature = sig
	return b, nil
}

// CoverageBatchBody is the OptNormal-mode data frame body: one entry per
// method that gained coverage since the last flush, each carrying its
// full hit-array snapshot.
type CoverageBatchBody struct {
	Methods []CoverageBatchEntry
}

type CoverageBatchEntry struct {
	Signature string
	Hits      []byte // one byte per entity id, arr_len bytes
}

func (b CoverageBatchBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagPrimary))
	if err := binary.Write(&buf, binary.BigEndian, int32(len(b.Methods))); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.CoverageBatchBody.Marshal", err)
	}
	for _, m := range b.Methods {
		if len(m.Hits) > 1<<16-1 {
			return nil, errs.New(errs.BadFileFormat, "wire.CoverageBatchBody.Marshal", nil)
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(m.Hits))); err != nil {
			return nil, errs.New(errs.BadFileFormat, "wire.CoverageBatchBody.Marshal", err)
		}
		if err := writeString16(&buf, m.Signature); err != nil {
			return nil, errs.New(errs.BadFileFormat, "wire.CoverageBatchBody.Marshal", err)
		}
		buf.Write(m.Hits)
	}
	return buf.Bytes(), nil
}

func UnmarshalCoverageBatch(payload []byte) (CoverageBatchBody, error) {
	var b CoverageBatchBody
	r := bytes.NewReader(payload)
	if _, err := r.ReadByte(); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalCoverageBatch", err)
	}
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalCoverageBatch", err)
	}
	for i := int32(0); i < count; i++ {
		var arrLen uint16
		if err := binary.Read(r, binary.BigEndian, &arrLen); err != nil {
			return b, errs.New(errs.BadFileFormat, "wire.UnmarshalCoverageBatch", err)
		}
		sig, err := readString16(r)
		if err != nil {
			return b, errs.New(errs.BadFileFormat, "wire.UnmarshalCoverageBatch", err)
		}
		hits := make([]byte, arrLen)
		if arrLen > 0 {
			if _, err := io.ReadFull(r, hits); err != nil {
				return b, errs.New(errs.BadFileFormat, "wire.UnmarshalCoverageBatch", err)
			}
		}
		b.Methods = append(b.Methods, CoverageBatchEntry{Signature: sig, Hits: hits})
	}
	return b, nil
}

// SequenceBatchBody is the OptSequence-mode data frame body: newly
// interned (signature, object-count) bindings followed by a flat list
// of packed-ID entries (firings and the NewMethod/BranchExit markers
// interleaved in occurrence order).
type SequenceBatchBody struct {
	NewBindings []SequenceBinding
	Entries     []int32
}

type SequenceBinding struct {
	ObjCount  uint16
	SigIndex  int32
	Signature string
}

func (b SequenceBatchBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagPrimary))
	if err := binary.Write(&buf, binary.BigEndian, int32(len(b.NewBindings))); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.SequenceBatchBody.Marshal", err)
	}
	for _, nb := range b.NewBindings {
		if err := binary.Write(&buf, binary.BigEndian, nb.ObjCount); err != nil {
			return nil, errs.New(errs.BadFileFormat, "wire.SequenceBatchBody.Marshal", err)
		}
		if err := binary.Write(&buf, binary.BigEndian, nb.SigIndex); err != nil {
			return nil, errs.New(errs.BadFileFormat, "wire.SequenceBatchBody.Marshal", err)
		}
		if err := writeString16(&buf, nb.Signature); err != nil {
			return nil, errs.New(errs.BadFileFormat, "wire.SequenceBatchBody.Marshal", err)
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(len(b.Entries))); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.SequenceBatchBody.Marshal", err)
	}
	for _, e := range b.Entries {
		if err := binary.Write(&buf, binary.BigEndian, e); err != nil {
			return nil, errs.New(errs.BadFileFormat, "wire.SequenceBatchBody.Marshal", err)
		}
	}
	return buf.Bytes(), nil
}

func UnmarshalSequenceBatch(payload []byte) (SequenceBatchBody, error) {
	var b SequenceBatchBody
	r := bytes.NewReader(payload)
	if _, err := r.ReadByte(); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalSequenceBatch", err)
	}
	var bindingCount int32
	if err := binary.Read(r, binary.BigEndian, &bindingCount); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalSequenceBatch", err)
	}
	for i := int32(0); i < bindingCount; i++ {
		var nb SequenceBinding
		if err := binary.Read(r, binary.BigEndian, &nb.ObjCount); err != nil {
			return b, errs.New(errs.BadFileFormat, "wire.UnmarshalSequenceBatch", err)
		}
		if err := binary.Read(r, binary.BigEndian, &nb.SigIndex); err != nil {
			return b, errs.New(errs.BadFileFormat, "wire.UnmarshalSequenceBatch", err)
		}
		sig, err := readString16(r)
		if err != nil {
			return b, errs.New(errs.BadFileFormat, "wire.UnmarshalSequenceBatch", err)
		}
		nb.Signature = sig
		b.NewBindings = append(b.NewBindings, nb)
	}
	var entryCount int32
	if err := binary.Read(r, binary.BigEndian, &entryCount); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalSequenceBatch", err)
	}
	for i := int32(0); i < entryCount; i++ {
		var e int32
		if err := binary.Read(r, binary.BigEndian, &e); err != nil {
			return b, errs.New(errs.BadFileFormat, "wire.UnmarshalSequenceBatch", err)
		}
		b.Entries = append(b.Entries, e)
	}
	return b, nil
}

// ObjCountBody is the Compatible-mode auxiliary frame reporting how
// many live instances a signature's entity-id space needed, used by the
// host to size its CoverageArray before the first TraceMsg arrives.
type ObjCountBody struct {
	Signature string
	ObjCount  int32
}

func (b ObjCountBody) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagObjCount))
	if err := writeString16(&buf, b.Signature); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.ObjCountBody.Marshal", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, b.ObjCount); err != nil {
		return nil, errs.New(errs.BadFileFormat, "wire.ObjCountBody.Marshal", err)
	}
	return buf.Bytes(), nil
}

func UnmarshalObjCount(payload []byte) (ObjCountBody, error) {
	var b ObjCountBody
	r := bytes.NewReader(payload)
	if _, err := r.ReadByte(); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalObjCount", err)
	}
	sig, err := readString16(r)
	if err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalObjCount", err)
	}
	b.Signature = sig
	if err := binary.Read(r, binary.BigEndian, &b.ObjCount); err != nil {
		return b, errs.New(errs.BadFileFormat, "wire.UnmarshalObjCount", err)
	}
	return b, nil
}

// PeekTag reads a data frame payload's leading tag byte without
// consuming the rest, so a receiver can pick the right Unmarshal* for
// the session's negotiated mode.
func PeekTag(payload []byte) (Tag, error) {
	if len(payload) == 0 {
		return 0, errs.New(errs.BadFileFormat, "wire.PeekTag", io.ErrUnexpectedEOF)
	}
	return Tag(payload[0]), nil
}
