package protocol

import "errors"

type Message struct {
	Command string
	Payload []byte
}

// Reader accumulates raw stream bytes and cuts them into messages.
// Not safe for concurrent use.
type Reader struct {
	codec   *Codec
	buf     []byte
	pos     int
	resync  bool
	dropped int
}

func NewReader(codec *Codec) *Reader {
	return &Reader{codec: codec}
}

// Write appends bytes received from the peer.
func (r *Reader) Write(p []byte) {
	r.compact()
	r.buf = append(r.buf, p...)
}

// Buffered is the number of bytes not consumed yet.
func (r *Reader) Buffered() int {
	return len(r.buf) - r.pos
}

// Dropped is the number of messages discarded on a checksum mismatch.
func (r *Reader) Dropped() int {
	return r.dropped
}

// Next returns the next complete message, or nil when more data is needed.
// The only error is a wrapped ErrInvalidHeader.
func (r *Reader) Next(pver uint32) (*Message, error) {
	for {
		data := r.buf[r.pos:]
		hdr, n, err := r.codec.ParseHeader(data, pver, r.resync)
		if errors.Is(err, ErrNeedMoreData) {
			r.pos += n
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if uint64(len(data)-n) < uint64(hdr.Length) {
			// keep the header, wait for the rest of the payload
			r.pos += n - HeaderSize(pver)
			return nil, nil
		}
		payload := data[n : n+int(hdr.Length)]
		r.pos += n + int(hdr.Length)
		if !VerifyChecksum(payload, hdr) {
			// transient corruption: drop it and look for the next magic
			r.dropped++
			r.resync = true
			continue
		}
		r.resync = false
		return &Message{
			Command: hdr.Command,
			Payload: append([]byte(nil), payload...),
		}, nil
	}
}

func (r *Reader) compact() {
	if r.pos == 0 {
		return
	}
	if r.pos < len(r.buf)/2 && r.pos < 1<<16 {
		return
	}
	n := copy(r.buf, r.buf[r.pos:])
	r.buf = r.buf[:n]
	r.pos = 0
}
