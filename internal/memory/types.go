package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type classifies what a memory holds.
type Type string

const (
	TaskSummary     Type = "task_summary"
	UserPreference  Type = "user_preference"
	ToolCache       Type = "tool_cache"
	ContextSnapshot Type = "context_snapshot"
	LearnedFact     Type = "learned_fact"
)

// Types lists every memory type.
var Types = []Type{TaskSummary, UserPreference, ToolCache, ContextSnapshot, LearnedFact}

func (t Type) Valid() bool {
	switch t {
	case TaskSummary, UserPreference, ToolCache, ContextSnapshot, LearnedFact:
		return true
	}
	return false
}

// Importance is the tier that drives ranking weight and eviction order.
type Importance string

const (
	Critical Importance = "critical"
	Useful   Importance = "useful"
	Ambient  Importance = "ambient"
)

// Weight returns 3 for critical, 2 for useful, 1 for ambient and 0 otherwise.
func (i Importance) Weight() int {
	switch i {
	case Critical:
		return 3
	case Useful:
		return 2
	case Ambient:
		return 1
	}
	return 0
}

func (i Importance) Valid() bool { return i.Weight() > 0 }

// AtLeast reports whether i ranks at or above min. An empty min admits all.
func (i Importance) AtLeast(min Importance) bool {
	return min == "" || i.Weight() >= min.Weight()
}

var (
	ErrInvalidType       = errors.New("invalid memory type")
	ErrInvalidImportance = errors.New("invalid importance")
	ErrMetadataMismatch  = errors.New("metadata does not match memory type")
	ErrEmptyContent      = errors.New("memory content is empty")
)

// Metadata is the type-specific payload of an Entry. The set of
// implementations is closed; each one belongs to exactly one Type.
type Metadata interface {
	MemoryType() Type
	isMetadata()
}

// TaskSummaryMeta describes a finished plan.
type TaskSummaryMeta struct {
	PlanID      string   `json:"plan_id"`
	StepCount   int      `json:"step_count"`
	FailedCount int      `json:"failed_count"`
	Tools       []string `json:"tools,omitempty"`
}

// UserPreferenceMeta is a named preference such as "language" = "de".
type UserPreferenceMeta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ToolCacheMeta identifies a cached tool result.
type ToolCacheMeta struct {
	Tool      string `json:"tool"`
	ParamsKey string `json:"params_key"`
}

// ContextSnapshotMeta points back at the conversation a snapshot came from.
type ContextSnapshotMeta struct {
	ConversationID string `json:"conversation_id"`
	MessageCount   int    `json:"message_count"`
}

// LearnedFactMeta records where a fact came from.
type LearnedFactMeta struct {
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

func (TaskSummaryMeta) MemoryType() Type     { return TaskSummary }
func (UserPreferenceMeta) MemoryType() Type  { return UserPreference }
func (ToolCacheMeta) MemoryType() Type       { return ToolCache }
func (ContextSnapshotMeta) MemoryType() Type { return ContextSnapshot }
func (LearnedFactMeta) MemoryType() Type     { return LearnedFact }

func (TaskSummaryMeta) isMetadata()     {}
func (UserPreferenceMeta) isMetadata()  {}
func (ToolCacheMeta) isMetadata()       {}
func (ContextSnapshotMeta) isMetadata() {}
func (LearnedFactMeta) isMetadata()     {}

// Entry is one persisted memory.
type Entry struct {
	ID          string
	Type        Type
	Importance  Importance
	Content     string
	Metadata    Metadata // nil or matching Type
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int
	ExpiresAt   *time.Time
}

// Expired reports whether the entry has an expiry at or before now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e Entry) clone() Entry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	if m, ok := e.Metadata.(TaskSummaryMeta); ok && m.Tools != nil {
		m.Tools = append([]string(nil), m.Tools...)
		e.Metadata = m
	}
	return e
}

func (e Entry) validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if !e.Importance.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidImportance, e.Importance)
	}
	if e.Content == "" {
		return ErrEmptyContent
	}
	if e.Metadata != nil && e.Metadata.MemoryType() != e.Type {
		return fmt.Errorf("%w: %s metadata on %s entry", ErrMetadataMismatch, e.Metadata.MemoryType(), e.Type)
	}
	return nil
}

type entryJSON struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Importance  Importance      `json:"importance"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	AccessedAt  time.Time       `json:"accessed_at"`
	AccessCount int             `json:"access_count"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// MarshalJSON encodes Metadata as an object tagged by the entry type.
func (e Entry) MarshalJSON() ([]byte, error) {
	j := entryJSON{
		ID:          e.ID,
		Type:        e.Type,
		Importance:  e.Importance,
		Content:     e.Content,
		CreatedAt:   e.CreatedAt,
		AccessedAt:  e.AccessedAt,
		AccessCount: e.AccessCount,
		ExpiresAt:   e.ExpiresAt,
	}
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		j.Metadata = raw
	}
	return json.Marshal(j)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var j entryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	meta, err := DecodeMetadata(j.Type, j.Metadata)
	if err != nil {
		return err
	}
	*e = Entry{
		ID:          j.ID,
		Type:        j.Type,
		Importance:  j.Importance,
		Content:     j.Content,
		Metadata:    meta,
		CreatedAt:   j.CreatedAt,
		AccessedAt:  j.AccessedAt,
		AccessCount: j.AccessCount,
		ExpiresAt:   j.ExpiresAt,
	}
	return nil
}

// DecodeMetadata parses raw into the metadata struct belonging to t. Empty
// raw yields nil metadata.
func DecodeMetadata(t Type, raw json.RawMessage) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		meta Metadata
		err  error
	)
	switch t {
	case TaskSummary:
		var m TaskSummaryMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case UserPreference:
		var m UserPreferenceMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case ToolCache:
		var m ToolCacheMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case ContextSnapshot:
		var m ContextSnapshotMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case LearnedFact:
		var m LearnedFactMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s metadata: %w", t, err)
	}
	return meta, nil
}
