package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/webextio/hostlink/internal/observability"
)

// Reserved top-level field names of the canonical schema. Application body
// fields may use any other name.
const (
	FieldID       = "id"
	FieldTarget   = "target"
	FieldFragment = "fragment"
	FieldContent  = "content"
	FieldReply    = "reply"
	FieldError    = "error"
)

// FragmentTag marks a carrier message's position inside a fragment group.
// Anything that is neither start nor cont terminates the group.
type FragmentTag string

const (
	FragmentNone  FragmentTag = ""
	FragmentStart FragmentTag = "start"
	FragmentCont  FragmentTag = "cont"
	FragmentEnd   FragmentTag = "end"
)

// Message is the unit of exchange on every channel: a reserved protocol
// header plus free-form application body fields. On the wire both are
// flattened into one JSON object; reserved names always win.
type Message struct {
	ID       string
	Target   string
	Fragment FragmentTag
	Content  string
	Reply    json.RawMessage
	Error    string
	Body     map[string]any
}

func reservedField(name string) bool {
	switch name {
	case FieldID, FieldTarget, FieldFragment, FieldContent, FieldReply, FieldError:
		return true
	}
	return false
}

func (m Message) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Body)+6)
	for k, v := range m.Body {
		if reservedField(k) {
			continue
		}
		obj[k] = v
	}
	if m.ID != "" {
		obj[FieldID] = m.ID
	}
	if m.Target != "" {
		obj[FieldTarget] = m.Target
	}
	if m.Fragment != FragmentNone {
		obj[FieldFragment] = string(m.Fragment)
	}
	if m.Content != "" {
		obj[FieldContent] = m.Content
	}
	if len(m.Reply) > 0 {
		obj[FieldReply] = m.Reply
	}
	if m.Error != "" {
		obj[FieldError] = m.Error
	}
	return json.Marshal(obj)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{}
	for k, v := range raw {
		var err error
		switch k {
		case FieldID:
			err = json.Unmarshal(v, &m.ID)
		case FieldTarget:
			err = json.Unmarshal(v, &m.Target)
		case FieldFragment:
			var tag string
			err = json.Unmarshal(v, &tag)
			m.Fragment = FragmentTag(tag)
		case FieldContent:
			err = json.Unmarshal(v, &m.Content)
		case FieldReply:
			m.Reply = append(json.RawMessage(nil), v...)
		case FieldError:
			err = json.Unmarshal(v, &m.Error)
		default:
			var val any
			if err = json.Unmarshal(v, &val); err == nil {
				if m.Body == nil {
					m.Body = make(map[string]any)
				}
				m.Body[k] = val
			}
		}
		if err != nil {
			return fmt.Errorf("wire: field %q: %w", k, err)
		}
	}
	return nil
}

// Clone returns a copy safe to mutate: the reply bytes, the body map and any
// nested JSON containers (maps, slices) inside it are duplicated, so the
// correlation layer can attach an id without touching the caller's message.
// Body values of other types are copied as-is.
func (m Message) Clone() Message {
	out := m
	if m.Body != nil {
		out.Body = cloneBodyValue(m.Body).(map[string]any)
	}
	if m.Reply != nil {
		out.Reply = append(json.RawMessage(nil), m.Reply...)
	}
	return out
}

func cloneBodyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneBodyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneBodyValue(inner)
		}
		return out
	default:
		return v
	}
}

// IsFragment reports whether the message is a carrier slice of a group.
func (m Message) IsFragment() bool {
	return m.Fragment != FragmentNone
}

// IsPing reports whether the message is a liveness probe: a correlation id
// and nothing else.
func (m Message) IsPing() bool {
	return m.ID != "" &&
		m.Fragment == FragmentNone &&
		m.Content == "" &&
		len(m.Reply) == 0 &&
		m.Error == "" &&
		len(m.Body) == 0
}

// BodyString returns a string-typed body field, or "" when absent or not a
// string.
func (m Message) BodyString(key string) string {
	s, _ := m.Body[key].(string)
	return s
}

// Encode serializes a message, recovering from unserializable body values.
// Offending fields are stripped and noted in the error field; only if even
// the reduced message fails does it degrade to a bare diagnostic envelope.
// A send is never failed outright by an encoding problem.
func Encode(m Message) ([]byte, error) {
	if b, err := json.Marshal(m); err == nil {
		return b, nil
	}

	clean := Message{
		ID:       m.ID,
		Target:   m.Target,
		Fragment: m.Fragment,
		Content:  m.Content,
		Error:    m.Error,
	}
	var dropped []string
	if len(m.Reply) > 0 {
		if json.Valid(m.Reply) {
			clean.Reply = append(json.RawMessage(nil), m.Reply...)
		} else {
			dropped = append(dropped, "reply=invalid raw JSON")
			observability.RecordEncodeFieldDrop()
		}
	}
	for k, v := range m.Body {
		if reservedField(k) {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			dropped = append(dropped, fmt.Sprintf("%s=%s", k, describeValue(v)))
			observability.RecordEncodeFieldDrop()
			continue
		}
		if clean.Body == nil {
			clean.Body = make(map[string]any)
		}
		clean.Body[k] = v
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		clean.Error = joinNotes(m.Error,
			"could not encode fields: "+strings.Join(dropped, ", "))
	}

	if b, err := json.Marshal(clean); err == nil {
		return b, nil
	}
	return json.Marshal(Message{ID: m.ID, Error: "could not encode message"})
}

func describeValue(v any) string {
	desc := fmt.Sprintf("%T(%v)", v, v)
	if len(desc) > 80 {
		desc = desc[:77] + "..."
	}
	return desc
}

func joinNotes(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
