package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/xerrors"
)

// State is the position of a Decoder within the current frame.
type State int

const (
	// StateAwaitingHeader waits for HeaderSize bytes.
	StateAwaitingHeader State = iota
	// StateAwaitingPayload waits for the number of bytes named in the header.
	StateAwaitingPayload
	// StateComplete means a frame was emitted. Reset moves back to
	// StateAwaitingHeader.
	StateComplete
	// StateFailed is terminal. The stream can no longer be trusted to be
	// aligned on a frame boundary.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists every state change a Decoder may make.
var transitions = map[State][]State{
	StateAwaitingHeader:  {StateAwaitingPayload, StateComplete, StateFailed},
	StateAwaitingPayload: {StateComplete, StateFailed},
	StateComplete:        {StateAwaitingHeader, StateFailed},
	StateFailed:          {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Decoder is an incremental frame parser. Bytes may be written in chunks of
// any size; frames are only emitted once fully buffered. The zero value is
// ready to use.
type Decoder struct {
	state  State
	buf    []byte
	code   uint32
	length uint32
	err    error
}

// State returns the current decoder state.
func (d *Decoder) State() State {
	return d.state
}

// Err returns the error that moved the decoder to StateFailed.
func (d *Decoder) Err() error {
	return d.err
}

// Buffered returns the number of bytes held but not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Write appends a chunk to the decoder's buffer. It never fails; bytes
// written after a failure are dropped.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.state != StateFailed {
		d.buf = append(d.buf, p...)
	}
	return len(p), nil
}

// Reset prepares the decoder for the next frame after StateComplete. Left
// over bytes are kept as the start of that frame.
func (d *Decoder) Reset() {
	if d.state == StateComplete {
		d.setState(StateAwaitingHeader)
	}
}

// Next advances the decoder as far as the buffered bytes allow. It returns
// ok=true with a frame once one is complete. Calling Next after a completed
// frame implicitly resets the decoder.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	if d.state == StateComplete {
		d.Reset()
	}
	for {
		switch d.state {
		case StateFailed:
			return Frame{}, false, d.err
		case StateAwaitingHeader:
			if len(d.buf) < HeaderSize {
				return Frame{}, false, nil
			}
			version := binary.LittleEndian.Uint32(d.buf[0:4])
			if version != Version {
				d.fail(xerrors.Errorf("got version %d, want %d: %w", version, Version, ErrProtocolMismatch))
				return Frame{}, false, d.err
			}
			d.code = binary.LittleEndian.Uint32(d.buf[4:8])
			d.length = binary.LittleEndian.Uint32(d.buf[8:12])
			d.buf = d.buf[HeaderSize:]
			if d.length == 0 {
				d.setState(StateComplete)
				return Frame{Version: version, Code: d.code}, true, nil
			}
			d.setState(StateAwaitingPayload)
		case StateAwaitingPayload:
			if uint32(len(d.buf)) < d.length {
				return Frame{}, false, nil
			}
			payload := make([]byte, d.length)
			copy(payload, d.buf[:d.length])
			d.buf = d.buf[d.length:]
			if !json.Valid(payload) {
				d.fail(xerrors.Errorf("%d byte payload for code %d is not valid JSON: %w", d.length, d.code, ErrMalformedPayload))
				return Frame{}, false, d.err
			}
			d.setState(StateComplete)
			return Frame{Version: Version, Code: d.code, Payload: payload}, true, nil
		default:
			return Frame{}, false, nil
		}
	}
}

func (d *Decoder) fail(err error) {
	if d.state == StateFailed {
		return
	}
	d.err = err
	d.buf = nil
	d.setState(StateFailed)
}

func (d *Decoder) setState(s State) {
	if !canTransition(d.state, s) {
		panic(fmt.Sprintf("proto: invalid decoder transition %s -> %s", d.state, s))
	}
	d.state = s
}
