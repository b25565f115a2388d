package dist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/procid"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	// A frame claiming to be larger than MaxFrameSize, without the body
	// actually present (the point: rejection happens from the header
	// alone, never by buffering the oversized body).
	oversized := make([]byte, 4)
	oversized[3] = 0xFF // absurdly large length in the high byte
	buf.Write(oversized)
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRecordRoundTripSpawn(t *testing.T) {
	rec := &Record{Kind: RecordSpawn, Spawn: &SpawnRequest{
		RequestID:   7,
		EnvID:       1,
		ModuleID:    "mod-a",
		Function:    "_start",
		Params:      []engine.Value{engine.NewI32(42), engine.NewI64(-7), engine.NewV128([16]byte{1, 2, 3})},
		ConfigBytes: []byte{0xDE, 0xAD},
	}}
	payload, err := EncodeRecord(rec)
	require.NoError(t, err)
	got, err := DecodeRecord(payload)
	require.NoError(t, err)
	require.Equal(t, RecordSpawn, got.Kind)
	assert.Equal(t, rec.Spawn, got.Spawn)
}

func TestRecordRoundTripMessage(t *testing.T) {
	rec := &Record{Kind: RecordMessage, Message: &MessageRequest{
		RequestID: 3, EnvID: 2, Pid: 9, Tag: -1, Bytes: []byte("payload"),
	}}
	payload, err := EncodeRecord(rec)
	require.NoError(t, err)
	got, err := DecodeRecord(payload)
	require.NoError(t, err)
	assert.Equal(t, rec.Message, got.Message)
}

func TestRecordRoundTripResponseError(t *testing.T) {
	rec := &Record{Kind: RecordResponse, Response: &Response{
		RequestID: 4, Kind: ResponseError, Err: &ClientError{Kind: ErrKindModuleNotFound, Text: "no such module"},
	}}
	payload, err := EncodeRecord(rec)
	require.NoError(t, err)
	got, err := DecodeRecord(payload)
	require.NoError(t, err)
	assert.Equal(t, rec.Response, got.Response)
}

// singleConnDialer always returns the same pre-established connection,
// standing in for a real address-book-backed Dialer in tests.
type singleConnDialer struct{ conn net.Conn }

func (d singleConnDialer) Dial(ctx context.Context, node procid.NodeID) (io.ReadWriteCloser, error) {
	return d.conn, nil
}

type fakeHandler struct {
	spawnPid uint64
	spawnErr error
	msgErr   error
	gotMsg   *MessageRequest
}

func (h *fakeHandler) HandleSpawn(ctx context.Context, req *SpawnRequest) (uint64, error) {
	return h.spawnPid, h.spawnErr
}

func (h *fakeHandler) HandleMessage(ctx context.Context, req *MessageRequest) error {
	h.gotMsg = req
	return h.msgErr
}

func TestDispatcherSendMessageAgainstServer(t *testing.T) {
	client, server := net.Pipe()

	handler := &fakeHandler{}
	srv := NewServer(handler)
	go srv.handleConn(context.Background(), server)

	d := NewDispatcher(singleConnDialer{conn: client}, nil)
	err := d.SendMessage(context.Background(), 2, 1, 5, 99, []byte("ping"))
	require.NoError(t, err)
	require.NotNil(t, handler.gotMsg)
	assert.Equal(t, []byte("ping"), handler.gotMsg.Bytes)
	assert.Equal(t, int64(99), handler.gotMsg.Tag)
}

func TestDispatcherSpawnRemoteErrorPropagates(t *testing.T) {
	client, server := net.Pipe()
	handler := &fakeHandler{spawnErr: &ClientError{Kind: ErrKindModuleNotFound, Text: "missing"}}
	srv := NewServer(handler)
	go srv.handleConn(context.Background(), server)

	d := NewDispatcher(singleConnDialer{conn: client}, nil)
	_, err := d.SpawnRemote(context.Background(), 3, &SpawnRequest{ModuleID: "m", Function: "f"})
	require.Error(t, err)
	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrKindModuleNotFound, ce.Kind)
}

func TestDispatcherSpawnRemoteSuccess(t *testing.T) {
	client, server := net.Pipe()
	handler := &fakeHandler{spawnPid: 123}
	srv := NewServer(handler)
	go srv.handleConn(context.Background(), server)

	d := NewDispatcher(singleConnDialer{conn: client}, nil)
	pid, err := d.SpawnRemote(context.Background(), 4, &SpawnRequest{ModuleID: "m", Function: "f"})
	require.NoError(t, err)
	assert.Equal(t, uint64(123), pid)
}
