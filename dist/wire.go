// Package dist implements the distributed dispatcher (C11, spec.md
// §4.8/§6): framed, tagged-record message passing between nodes for
// cross-node spawn and send. Framing is hand-rolled (little-endian u32
// length prefix + tagged record) per spec's explicit wire format rather
// than reached for off a pack RPC library — see DESIGN.md for why
// `inprocgrpc`/`grpc-proxy` contribute pattern, not transport, here.
package dist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joeycumines/lunatic/engine"
)

// MaxFrameSize bounds any single inbound record; a frame advertising a
// larger length is rejected outright and the connection is reset
// (spec.md §4.8: "All inbound frames must be bounded in size").
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared
// length exceeds MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("dist: frame exceeds maximum size of %d bytes", MaxFrameSize)

// WriteFrame writes payload as one length-prefixed frame: a little-endian
// u32 byte count followed by payload itself.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("dist: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("dist: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting (without consuming
// the body) any frame whose declared length exceeds MaxFrameSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("dist: read frame body: %w", err)
	}
	return buf, nil
}

// RecordKind tags the union a wire Record carries.
type RecordKind uint8

const (
	RecordSpawn RecordKind = iota
	RecordMessage
	RecordResponse
)

// SpawnRequest is Request::Spawn: env/module/function/params/config,
// addressed by a node-local request id that the eventual Response echoes.
type SpawnRequest struct {
	RequestID   uint64
	EnvID       uint64
	ModuleID    string
	Function    string
	Params      []engine.Value
	ConfigBytes []byte
}

// MessageRequest is Request::Message: an already-serialized message
// payload (tag + bytes; cross-node resource references are data-only per
// spec.md §4.8 — raw sockets/handles never cross nodes).
type MessageRequest struct {
	RequestID uint64
	EnvID     uint64
	Pid       uint64
	Tag       int64
	Bytes     []byte
}

// ClientErrorKind enumerates Response::Error's ClientError variants.
type ClientErrorKind uint8

const (
	ErrKindProcessNotFound ClientErrorKind = iota
	ErrKindModuleNotFound
	ErrKindUnexpected
)

// ClientError is a typed remote failure, crossing the wire as
// Response::Error(ClientError).
type ClientError struct {
	Kind ClientErrorKind
	Text string
}

func (e *ClientError) Error() string {
	switch e.Kind {
	case ErrKindProcessNotFound:
		return "dist: remote process not found"
	case ErrKindModuleNotFound:
		return "dist: remote module not found"
	default:
		return "dist: " + e.Text
	}
}

// ResponseKind tags which Response variant a Record carries.
type ResponseKind uint8

const (
	ResponseSpawned ResponseKind = iota
	ResponseSent
	ResponseError
)

// Response is Request::Response's payload: exactly one of Spawned(pid),
// Sent, or Error(ClientError), keyed back to its originating RequestID.
type Response struct {
	RequestID uint64
	Kind      ResponseKind
	Spawned   uint64
	Err       *ClientError
}

// Record is one wire record: exactly one of Spawn, Message, or Response
// is non-nil, selected by Kind.
type Record struct {
	Kind     RecordKind
	Spawn    *SpawnRequest
	Message  *MessageRequest
	Response *Response
}

// EncodeRecord serializes rec to its canonical binary form (the payload
// that WriteFrame length-prefixes).
func EncodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(rec.Kind))
	switch rec.Kind {
	case RecordSpawn:
		s := rec.Spawn
		putU64(&buf, s.RequestID)
		putU64(&buf, s.EnvID)
		putString(&buf, s.ModuleID)
		putString(&buf, s.Function)
		putU32(&buf, uint32(len(s.Params)))
		for _, p := range s.Params {
			putValue(&buf, p)
		}
		putBytes(&buf, s.ConfigBytes)
	case RecordMessage:
		m := rec.Message
		putU64(&buf, m.RequestID)
		putU64(&buf, m.EnvID)
		putU64(&buf, m.Pid)
		putI64(&buf, m.Tag)
		putBytes(&buf, m.Bytes)
	case RecordResponse:
		r := rec.Response
		putU64(&buf, r.RequestID)
		buf.WriteByte(byte(r.Kind))
		switch r.Kind {
		case ResponseSpawned:
			putU64(&buf, r.Spawned)
		case ResponseSent:
		case ResponseError:
			buf.WriteByte(byte(r.Err.Kind))
			putString(&buf, r.Err.Text)
		default:
			return nil, fmt.Errorf("dist: encode: unknown response kind %d", r.Kind)
		}
	default:
		return nil, fmt.Errorf("dist: encode: unknown record kind %d", rec.Kind)
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses the canonical binary form produced by EncodeRecord.
func DecodeRecord(payload []byte) (*Record, error) {
	r := bytes.NewReader(payload)
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("dist: decode: read kind: %w", err)
	}
	rec := &Record{Kind: RecordKind(kindByte)}
	switch rec.Kind {
	case RecordSpawn:
		s := &SpawnRequest{}
		if s.RequestID, err = getU64(r); err != nil {
			return nil, err
		}
		if s.EnvID, err = getU64(r); err != nil {
			return nil, err
		}
		if s.ModuleID, err = getString(r); err != nil {
			return nil, err
		}
		if s.Function, err = getString(r); err != nil {
			return nil, err
		}
		n, err := getU32(r)
		if err != nil {
			return nil, err
		}
		s.Params = make([]engine.Value, n)
		for i := range s.Params {
			if s.Params[i], err = getValue(r); err != nil {
				return nil, err
			}
		}
		if s.ConfigBytes, err = getBytes(r); err != nil {
			return nil, err
		}
		rec.Spawn = s
	case RecordMessage:
		m := &MessageRequest{}
		if m.RequestID, err = getU64(r); err != nil {
			return nil, err
		}
		if m.EnvID, err = getU64(r); err != nil {
			return nil, err
		}
		if m.Pid, err = getU64(r); err != nil {
			return nil, err
		}
		if m.Tag, err = getI64(r); err != nil {
			return nil, err
		}
		if m.Bytes, err = getBytes(r); err != nil {
			return nil, err
		}
		rec.Message = m
	case RecordResponse:
		resp := &Response{}
		if resp.RequestID, err = getU64(r); err != nil {
			return nil, err
		}
		kb, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("dist: decode: read response kind: %w", err)
		}
		resp.Kind = ResponseKind(kb)
		switch resp.Kind {
		case ResponseSpawned:
			if resp.Spawned, err = getU64(r); err != nil {
				return nil, err
			}
		case ResponseSent:
		case ResponseError:
			ekb, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("dist: decode: read client error kind: %w", err)
			}
			text, err := getString(r)
			if err != nil {
				return nil, err
			}
			resp.Err = &ClientError{Kind: ClientErrorKind(ekb), Text: text}
		default:
			return nil, fmt.Errorf("dist: decode: unknown response kind %d", resp.Kind)
		}
		rec.Response = resp
	default:
		return nil, fmt.Errorf("dist: decode: unknown record kind %d", rec.Kind)
	}
	return rec, nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putI64(buf *bytes.Buffer, v int64) { putU64(buf, uint64(v)) }

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) { putBytes(buf, []byte(s)) }

func putValue(buf *bytes.Buffer, v engine.Value) {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case engine.I32:
		putU32(buf, uint32(v.I32))
	case engine.I64:
		putU64(buf, uint64(v.I64))
	case engine.V128:
		buf.Write(v.V128[:])
	}
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("dist: decode: read u32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("dist: decode: read u64: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func getI64(r *bytes.Reader) (int64, error) {
	v, err := getU64(r)
	return int64(v), err
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("dist: decode: read bytes body: %w", err)
	}
	return buf, nil
}

func getString(r *bytes.Reader) (string, error) {
	b, err := getBytes(r)
	return string(b), err
}

func getValue(r *bytes.Reader) (engine.Value, error) {
	kb, err := r.ReadByte()
	if err != nil {
		return engine.Value{}, fmt.Errorf("dist: decode: read value kind: %w", err)
	}
	switch engine.ValueKind(kb) {
	case engine.I32:
		v, err := getU32(r)
		return engine.NewI32(int32(v)), err
	case engine.I64:
		v, err := getU64(r)
		return engine.NewI64(int64(v)), err
	case engine.V128:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return engine.Value{}, fmt.Errorf("dist: decode: read v128: %w", err)
		}
		return engine.NewV128(b), nil
	default:
		return engine.Value{}, fmt.Errorf("dist: decode: unknown value kind %d", kb)
	}
}
