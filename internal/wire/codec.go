package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/observability"
)

// Frame layout: uint32 little-endian length prefix, then that many bytes of
// UTF-8 JSON. One frame carries exactly one Message.
const lengthPrefixLen = 4

var byteOrder = binary.LittleEndian

// Encoder writes length-prefixed frames to a byte stream. Safe for
// concurrent use.
type Encoder struct {
	mu       sync.Mutex
	w        io.Writer
	maxFrame int
	log      zerolog.Logger
}

func NewEncoder(w io.Writer, maxFrame int) *Encoder {
	return &Encoder{
		w:        w,
		maxFrame: maxFrame,
		log:      logging.Component("wire.encoder"),
	}
}

func (e *Encoder) Encode(m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	if e.maxFrame > 0 && len(payload) > e.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), e.maxFrame)
	}

	var prefix [lengthPrefixLen]byte
	byteOrder.PutUint32(prefix[:], uint32(len(payload)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	observability.RecordFrameEncoded(len(payload))
	return nil
}

type decodeState int

const (
	awaitingLength decodeState = iota
	awaitingPayload
)

// Decoder turns an incoming byte stream back into messages. It is an
// iterative state machine over an append-only buffer with a cursor; state is
// bound to one channel instance and must be discarded on reconnect.
//
// A payload that is not valid JSON is logged and dropped without losing frame
// sync. A declared length over the ceiling desynchronizes the stream and is
// fatal to the channel.
type Decoder struct {
	buf      []byte
	cur      int
	state    decodeState
	need     int
	maxFrame int
	log      zerolog.Logger
}

func NewDecoder(maxFrame int) *Decoder {
	return &Decoder{
		maxFrame: maxFrame,
		log:      logging.Component("wire.decoder"),
	}
}

// Feed appends bytes and returns every message completed by them. It loops
// until insufficient bytes remain, then suspends until the next Feed.
func (d *Decoder) Feed(p []byte) ([]Message, error) {
	d.buf = append(d.buf, p...)

	var out []Message
	for {
		switch d.state {
		case awaitingLength:
			if len(d.buf)-d.cur < lengthPrefixLen {
				d.compact()
				return out, nil
			}
			n := byteOrder.Uint32(d.buf[d.cur : d.cur+lengthPrefixLen])
			d.cur += lengthPrefixLen
			if d.maxFrame > 0 && int(n) > d.maxFrame {
				return out, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, d.maxFrame)
			}
			d.need = int(n)
			d.state = awaitingPayload

		case awaitingPayload:
			if len(d.buf)-d.cur < d.need {
				d.compact()
				return out, nil
			}
			payload := d.buf[d.cur : d.cur+d.need]
			d.cur += d.need
			d.state = awaitingLength

			var m Message
			if err := json.Unmarshal(payload, &m); err != nil {
				d.log.Warn().Err(err).Int("bytes", len(payload)).
					Msg("dropping unparseable frame")
				observability.RecordDecodeError()
				continue
			}
			observability.RecordFrameDecoded(len(payload))
			out = append(out, m)
		}
	}
}

// compact reclaims consumed bytes so the buffer does not grow without bound
// on long-lived streams.
func (d *Decoder) compact() {
	if d.cur == 0 {
		return
	}
	d.buf = append(d.buf[:0], d.buf[d.cur:]...)
	d.cur = 0
}
