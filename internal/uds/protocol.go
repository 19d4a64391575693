// Package uds is the control channel between the CLI and a running daemon:
// length-prefixed JSON frames over a Unix domain socket, one request and one
// response per connection.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the state directory.
const DefaultSocketName = "conductor.sock"

const maxFrameSize = 10 << 20

type Request struct {
	Version int             `json:"v"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the daemon. Handlers may return one to pick
// the code; any other error is sent as CodeInternal.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

const (
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeInternal         = "INTERNAL_ERROR"
)

// Errorf builds an *Error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func newRequest(command string, params any) (*Request, error) {
	req := &Request{Version: ProtocolVersion, Command: command}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", command, err)
	}
	req.Params = raw
	return req, nil
}

// reply turns a handler's return values into a Response.
func reply(data any, err error) *Response {
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return &Response{Error: rpcErr}
		}
		return &Response{Error: &Error{Code: CodeInternal, Message: err.Error()}}
	}
	resp := &Response{OK: true}
	if data == nil {
		return resp
	}
	raw, mErr := json.Marshal(data)
	if mErr != nil {
		return &Response{Error: Errorf(CodeInternal, "encode response: %v", mErr)}
	}
	resp.Data = raw
	return resp
}

// Decode unmarshals Data into v, or returns the daemon's error.
func (r *Response) Decode(v any) error {
	if !r.OK {
		if r.Error == nil {
			return &Error{Code: CodeInternal, Message: "request failed without detail"}
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// WriteFrame writes v as a 4-byte big-endian length followed by its JSON
// encoding, in a single Write.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(payload), maxFrameSize)
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(payload)), uint32(len(payload)))
	frame = append(frame, payload...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
