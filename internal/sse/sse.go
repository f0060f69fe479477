// Package sse reassembles server-sent-event byte streams into discrete data
// frames, tolerating arbitrary chunk boundaries.
package sse

import (
	"bytes"
	"strings"
)

// doneSentinel is the literal payload upstream sends to close a stream.
const doneSentinel = "[DONE]"

// Frame is one parsed unit of the stream: a data payload, or the end marker
// when End is set.
type Frame struct {
	Data string
	End  bool
}

// Reassembler converts arbitrarily sized byte chunks into complete frames.
// Incoming bytes accumulate until a newline completes a line; lines with a
// "data: " prefix become frames, everything else (comments, keep-alives,
// event fields) is dropped. A Reassembler is single-use: once the end marker
// has been seen all further input is ignored.
type Reassembler struct {
	buf  []byte
	done bool
}

// New returns a Reassembler with an empty buffer.
func New() *Reassembler {
	return &Reassembler{}
}

// Feed appends chunk to the buffer and returns the frames it completes, in
// order. A partial trailing line stays buffered for the next call. After the
// end marker an End frame is returned once and the buffer is discarded.
func (r *Reassembler) Feed(chunk []byte) []Frame {
	if r.done {
		return nil
	}
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			return frames
		}
		line := strings.TrimSpace(string(r.buf[:i]))
		r.buf = r.buf[i+1:]

		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == doneSentinel {
			r.done = true
			r.buf = nil
			return append(frames, Frame{End: true})
		}
		if payload == "" {
			continue
		}
		frames = append(frames, Frame{Data: payload})
	}
}

// Done reports whether the end marker has been consumed.
func (r *Reassembler) Done() bool {
	return r.done
}
