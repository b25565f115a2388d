package dist

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Handler serves inbound spawn/message requests from peer nodes. Bound to
// the real runtime by cmd/lunatic's nodeHandler; this package only needs
// the narrow seam.
type Handler interface {
	HandleSpawn(ctx context.Context, req *SpawnRequest) (pid uint64, err error)
	HandleMessage(ctx context.Context, req *MessageRequest) error
}

// Server accepts inbound peer connections and serves Handler over them.
type Server struct {
	handler Handler
}

// NewServer constructs a Server dispatching every inbound record to h.
func NewServer(h Handler) *Server { return &Server{handler: h} }

// Serve accepts connections from ln until ctx is done or Accept fails,
// handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("dist: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads frames from conn until one is malformed or oversized,
// at which point the stream is reset (spec.md §4.8) by closing it.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		rec, err := DecodeRecord(payload)
		if err != nil {
			return
		}
		resp := s.dispatch(ctx, rec)
		if resp == nil {
			return
		}
		respPayload, err := EncodeRecord(&Record{Kind: RecordResponse, Response: resp})
		if err != nil {
			return
		}
		if err := WriteFrame(conn, respPayload); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, rec *Record) *Response {
	switch rec.Kind {
	case RecordSpawn:
		pid, err := s.handler.HandleSpawn(ctx, rec.Spawn)
		if err != nil {
			return errorResponse(rec.Spawn.RequestID, err)
		}
		return &Response{RequestID: rec.Spawn.RequestID, Kind: ResponseSpawned, Spawned: pid}
	case RecordMessage:
		err := s.handler.HandleMessage(ctx, rec.Message)
		if err != nil {
			return errorResponse(rec.Message.RequestID, err)
		}
		return &Response{RequestID: rec.Message.RequestID, Kind: ResponseSent}
	default:
		return nil
	}
}

func errorResponse(reqID uint64, err error) *Response {
	var ce *ClientError
	if errors.As(err, &ce) {
		return &Response{RequestID: reqID, Kind: ResponseError, Err: ce}
	}
	return &Response{RequestID: reqID, Kind: ResponseError, Err: &ClientError{Kind: ErrKindUnexpected, Text: err.Error()}}
}
