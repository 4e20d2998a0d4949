package memory

import (
	"encoding/json"
	"maps"
	"strconv"
	"time"
)

// Well-known metadata keys.
const (
	KeyUserMessage = "user_message"
	KeyWasHelpful  = "was_helpful"
	KeyIntent      = "intent"
	KeyCategory    = "category"
	KeyUserPhone   = "user_phone"
	KeyTimestamp   = "timestamp"
)

// Metadata is the mutable annotation of a record: the known keys as typed
// fields plus an open extension map for ad hoc tags.
//
// A nil field means the key is absent. Absent keys are never persisted, not
// even as null. Extra values must be scalars (string, bool or a number); nil
// values in Extra are dropped.
type Metadata struct {
	UserMessage *string
	WasHelpful  *bool
	Intent      *string
	Category    *string
	UserPhone   *string
	Timestamp   *time.Time

	// Extra holds keys outside the known set. Known keys set here are
	// shadowed by the typed fields when both are present.
	Extra map[string]any
}

// String returns a pointer to s, for filling optional metadata fields.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for filling optional metadata fields.
func Bool(b bool) *bool { return &b }

// Time returns a pointer to t, for filling optional metadata fields.
func Time(t time.Time) *time.Time { return &t }

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	if m.UserMessage != nil {
		out.UserMessage = String(*m.UserMessage)
	}
	if m.WasHelpful != nil {
		out.WasHelpful = Bool(*m.WasHelpful)
	}
	if m.Intent != nil {
		out.Intent = String(*m.Intent)
	}
	if m.Category != nil {
		out.Category = String(*m.Category)
	}
	if m.UserPhone != nil {
		out.UserPhone = String(*m.UserPhone)
	}
	if m.Timestamp != nil {
		out.Timestamp = Time(*m.Timestamp)
	}
	out.Extra = maps.Clone(m.Extra)
	return out
}

// IsEmpty reports whether no key is present.
func (m Metadata) IsEmpty() bool {
	return len(m.Map()) == 0
}

// Merge returns m with every key present in patch written over it.
// The merge is shallow: keys absent from patch survive untouched.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	if patch.UserMessage != nil {
		out.UserMessage = String(*patch.UserMessage)
	}
	if patch.WasHelpful != nil {
		out.WasHelpful = Bool(*patch.WasHelpful)
	}
	if patch.Intent != nil {
		out.Intent = String(*patch.Intent)
	}
	if patch.Category != nil {
		out.Category = String(*patch.Category)
	}
	if patch.UserPhone != nil {
		out.UserPhone = String(*patch.UserPhone)
	}
	if patch.Timestamp != nil {
		out.Timestamp = Time(*patch.Timestamp)
	}
	for k, v := range patch.Extra {
		if v == nil {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(patch.Extra))
		}
		out.Extra[k] = v
	}
	return out
}

// Map flattens the metadata into a key/value map with absent keys omitted.
func (m Metadata) Map() map[string]any {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		if v != nil {
			out[k] = v
		}
	}
	if m.UserMessage != nil {
		out[KeyUserMessage] = *m.UserMessage
	}
	if m.WasHelpful != nil {
		out[KeyWasHelpful] = *m.WasHelpful
	}
	if m.Intent != nil {
		out[KeyIntent] = *m.Intent
	}
	if m.Category != nil {
		out[KeyCategory] = *m.Category
	}
	if m.UserPhone != nil {
		out[KeyUserPhone] = *m.UserPhone
	}
	if m.Timestamp != nil {
		out[KeyTimestamp] = m.Timestamp.Format(time.RFC3339Nano)
	}
	return out
}

// MetadataFromMap is the inverse of Metadata.Map. Known keys holding a value
// of an unexpected type are kept in Extra rather than dropped.
func MetadataFromMap(src map[string]any) Metadata {
	var m Metadata
	extra := func(k string, v any) {
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}

	for k, v := range src {
		if v == nil {
			continue
		}
		switch k {
		case KeyUserMessage, KeyIntent, KeyCategory, KeyUserPhone:
			s, ok := v.(string)
			if !ok {
				extra(k, v)
				continue
			}
			switch k {
			case KeyUserMessage:
				m.UserMessage = String(s)
			case KeyIntent:
				m.Intent = String(s)
			case KeyCategory:
				m.Category = String(s)
			case KeyUserPhone:
				m.UserPhone = String(s)
			}
		case KeyWasHelpful:
			switch b := v.(type) {
			case bool:
				m.WasHelpful = Bool(b)
			case string:
				parsed, err := strconv.ParseBool(b)
				if err != nil {
					extra(k, v)
					continue
				}
				m.WasHelpful = Bool(parsed)
			default:
				extra(k, v)
			}
		case KeyTimestamp:
			s, ok := v.(string)
			if !ok {
				extra(k, v)
				continue
			}
			ts, err := parseTimestamp(s)
			if err != nil {
				extra(k, v)
				continue
			}
			m.Timestamp = Time(ts)
		default:
			extra(k, v)
		}
	}
	return m
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form older records
// were written with.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999", s)
}

// MarshalJSON encodes the flattened map.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

// UnmarshalJSON decodes a flat JSON object. null values are dropped.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = MetadataFromMap(raw)
	return nil
}
