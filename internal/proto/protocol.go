package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/xerrors"
)

const (
	// Version must match the helper's protocol version exactly.
	Version uint32 = 1
	// HeaderSize is the fixed size of a frame header in bytes.
	HeaderSize = 12
)

// Command identifiers understood by the helper.
const (
	CmdPing         uint32 = 1
	CmdConnect      uint32 = 2
	CmdDisconnect   uint32 = 3
	CmdExecute      uint32 = 4
	CmdStatus       uint32 = 5
	CmdListSessions uint32 = 6
)

// CommandName returns a readable name for a command identifier.
func CommandName(code uint32) string {
	switch code {
	case CmdPing:
		return "ping"
	case CmdConnect:
		return "connect"
	case CmdDisconnect:
		return "disconnect"
	case CmdExecute:
		return "execute"
	case CmdStatus:
		return "status"
	case CmdListSessions:
		return "list_sessions"
	}
	return fmt.Sprintf("command(%d)", code)
}

// CodeOK is the result code of a successful response.
const CodeOK uint32 = 0

var (
	// ErrProtocolMismatch is returned when a header carries a version other
	// than Version.
	ErrProtocolMismatch = errors.New("protocol version mismatch")
	// ErrMalformedPayload is returned when a payload is not valid JSON.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrPrematureClose is returned when the stream ends before a frame is
	// complete.
	ErrPrematureClose = errors.New("connection closed before frame was complete")
)

// Frame is one header and payload unit. Code is a command identifier on
// requests and a result code on responses.
type Frame struct {
	Version uint32
	Code    uint32
	// Payload is nil when the frame carries no payload section.
	Payload json.RawMessage
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (f Frame) Decode(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	err := json.Unmarshal(f.Payload, v)
	if err != nil {
		return xerrors.Errorf("%v: %w", err, ErrMalformedPayload)
	}
	return nil
}

// Encode produces one frame: the 12 byte header followed by the JSON
// encoding of payload. A nil or empty payload produces no payload section.
func Encode(code uint32, payload interface{}) ([]byte, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, xerrors.Errorf("marshal payload: %w", err)
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], Version)
	binary.LittleEndian.PutUint32(frame[4:8], code)
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

func marshalPayload(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}
	return body, nil
}

// WriteFrame encodes a frame and writes it with a single Write call.
func WriteFrame(w io.Writer, code uint32, payload interface{}) error {
	frame, err := Encode(code, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	if err != nil {
		return xerrors.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. Bytes after the frame that were
// already read are discarded, so r must carry a single frame per use.
func ReadFrame(r io.Reader) (Frame, error) {
	var (
		dec Decoder
		buf = make([]byte, 4096)
	)
	for {
		frame, ok, err := dec.Next()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return frame, nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			continue
		}
		if errors.Is(err, io.EOF) {
			dec.fail(ErrPrematureClose)
			return Frame{}, ErrPrematureClose
		}
		if err != nil {
			dec.fail(err)
			return Frame{}, xerrors.Errorf("read frame: %w", err)
		}
	}
}
