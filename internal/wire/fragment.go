package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/observability"
)

// Split slices one encoded message into a fragment group: fixed windows in
// emission order, first tagged start, last tagged end. The group gets a fresh
// correlation id of its own; the far end rebuilds the original message,
// protocol fields included, from the concatenated content. Fragments carry
// nothing else, and are never themselves re-split.
//
// Windows are shortened by up to three bytes where a cut would land inside a
// multi-byte rune, since each slice travels as a JSON string.
func Split(encoded []byte, threshold int, target string) []Message {
	if threshold <= 0 {
		threshold = 1
	}
	group := uuid.NewString()

	var slices []string
	for cur := 0; cur < len(encoded); {
		end := cur + threshold
		if end >= len(encoded) {
			end = len(encoded)
		} else {
			for end > cur && !utf8.RuneStart(encoded[end]) {
				end--
			}
			if end == cur {
				// pathological threshold below one rune; take it whole
				_, size := utf8.DecodeRune(encoded[cur:])
				end = cur + size
			}
		}
		slices = append(slices, string(encoded[cur:end]))
		cur = end
	}
	if len(slices) < 2 {
		// a lone slice still needs a terminal carrier
		slices = append(slices, "")
	}

	out := make([]Message, len(slices))
	for i, s := range slices {
		tag := FragmentCont
		switch i {
		case 0:
			tag = FragmentStart
		case len(slices) - 1:
			tag = FragmentEnd
		}
		out[i] = Message{ID: group, Target: target, Fragment: tag, Content: s}
	}
	observability.RecordFragmentSplit(len(out))
	return out
}

// fragmentBuffer accumulates one group's partial content.
type fragmentBuffer struct {
	content strings.Builder
	updated time.Time
}

// Reassembler rebuilds messages from fragment groups. One instance belongs
// to one channel; Clear discards everything on disconnect.
//
// Expired groups are purged by a traffic-amortized janitor rather than a
// timer per buffer: every Sweep call checks whether the minimum period has
// elapsed since the last pass and only then scans.
type Reassembler struct {
	mu        sync.Mutex
	buffers   map[string]*fragmentBuffer
	ttl       time.Duration
	minSweep  time.Duration
	lastSweep time.Time
	now       func() time.Time
	log       zerolog.Logger
}

func NewReassembler(ttl, minSweep time.Duration) *Reassembler {
	return &Reassembler{
		buffers:  make(map[string]*fragmentBuffer),
		ttl:      ttl,
		minSweep: minSweep,
		now:      time.Now,
		log:      logging.Component("wire.reassembler"),
	}
}

// Ingest consumes one fragment. It returns the completed message when the
// fragment terminates its group, nil while the group is still open, and an
// error when the fragment violates the protocol and was dropped.
func (r *Reassembler) Ingest(m Message) (*Message, error) {
	if !m.IsFragment() {
		return nil, fmt.Errorf("wire: Ingest called with unfragmented message")
	}
	if m.ID == "" {
		observability.RecordFragmentDrop("missing_id")
		r.log.Warn().Str("fragment", string(m.Fragment)).
			Msg("dropping fragment without correlation id")
		return nil, ErrMissingGroupID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(r.now())

	switch m.Fragment {
	case FragmentStart:
		if _, ok := r.buffers[m.ID]; ok {
			// two groups under one id must never merge
			observability.RecordFragmentDrop("duplicate_start")
			r.log.Warn().Str("group", m.ID).
				Msg("duplicate start fragment, discarding previous incomplete group")
			delete(r.buffers, m.ID)
		}
		buf := &fragmentBuffer{updated: r.now()}
		buf.content.WriteString(m.Content)
		r.buffers[m.ID] = buf
		return nil, nil

	case FragmentCont:
		buf, ok := r.buffers[m.ID]
		if !ok {
			observability.RecordFragmentDrop("orphan")
			r.log.Warn().Str("group", m.ID).
				Msg("cont fragment for unknown group, dropping")
			return nil, ErrOrphanFragment
		}
		buf.content.WriteString(m.Content)
		buf.updated = r.now()
		return nil, nil

	default:
		// anything that is neither start nor cont terminates the group
		buf, ok := r.buffers[m.ID]
		if !ok {
			observability.RecordFragmentDrop("orphan")
			r.log.Warn().Str("group", m.ID).
				Msg("terminal fragment for unknown group, dropping")
			return nil, ErrOrphanFragment
		}
		delete(r.buffers, m.ID)
		buf.content.WriteString(m.Content)

		var complete Message
		if err := json.Unmarshal([]byte(buf.content.String()), &complete); err != nil {
			observability.RecordFragmentDrop("undecodable")
			r.log.Warn().Err(err).Str("group", m.ID).
				Msg("reassembled group does not decode, dropping")
			return nil, fmt.Errorf("%w: %v", ErrGroupUndecodable, err)
		}
		observability.RecordFragmentReassembled()
		return &complete, nil
	}
}

// Sweep runs the amortized janitor. Callers invoke it on every message
// arrival; it is a no-op until the minimum inter-sweep period has elapsed.
func (r *Reassembler) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(r.now())
}

func (r *Reassembler) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.minSweep {
		return
	}
	r.lastSweep = now
	for id, buf := range r.buffers {
		if now.Sub(buf.updated) > r.ttl {
			observability.RecordFragmentDrop("expired")
			r.log.Warn().Str("group", id).
				Int("bytes", buf.content.Len()).
				Msg("purging expired fragment group")
			delete(r.buffers, id)
		}
	}
}

// Open returns the number of groups still awaiting their terminal fragment.
func (r *Reassembler) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// Clear discards all open groups, used when the owning channel dies.
func (r *Reassembler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffers) > 0 {
		r.log.Debug().Int("groups", len(r.buffers)).
			Msg("clearing fragment buffers")
	}
	r.buffers = make(map[string]*fragmentBuffer)
}
