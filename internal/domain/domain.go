package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an Entry. The set is closed.
type Kind string

const (
	KindAnalysis          Kind = "Analysis"
	KindOrderStatus       Kind = "OrderStatus"
	KindError             Kind = "Error"
	KindMetric            Kind = "Metric"
	KindPortfolioSnapshot Kind = "PortfolioSnapshot"
	KindSystemEvent       Kind = "SystemEvent"
	KindOptimizationRun   Kind = "OptimizationRun"
	KindPromptUpdate      Kind = "PromptUpdate"
)

var kinds = []Kind{
	KindAnalysis,
	KindOrderStatus,
	KindError,
	KindMetric,
	KindPortfolioSnapshot,
	KindSystemEvent,
	KindOptimizationRun,
	KindPromptUpdate,
}

// Kinds lists every known kind.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func (k Kind) Valid() bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func ParseKind(s string) (Kind, error) {
	for _, v := range kinds {
		if strings.EqualFold(string(v), s) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown entry kind %q", s)
}

// Metadata is attached by the enrichment worker.
type Metadata struct {
	Keywords []string `json:"keywords,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (m *Metadata) Empty() bool {
	return m == nil || (len(m.Keywords) == 0 && m.Summary == "" && len(m.Tags) == 0)
}

// Entry is the unit of persisted system memory.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	Payload   Payload   `json:"payload"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// NewEntry builds an entry with a fresh id. payload may be a Payload, a map, or any
// struct that marshals to a JSON object.
func NewEntry(kind Kind, source string, payload any, now time.Time) (Entry, error) {
	p, err := PayloadFrom(payload)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		CreatedAt: now.UTC(),
		Payload:   p,
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Validate checks the envelope and the kind-specific payload schema.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	if strings.ContainsAny(e.ID, ".:/") {
		return fmt.Errorf("entry id %q contains reserved characters", e.ID)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	if e.Source == "" {
		return fmt.Errorf("entry source is required")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("entry created_at is required")
	}
	if e.Payload == nil {
		return fmt.Errorf("entry payload is required")
	}
	return ValidatePayload(e.Kind, e.Payload)
}

// Marshal renders the entry the way it is stored on disk.
func (e Entry) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// Unmarshal decodes and validates a stored entry. Numbers are kept as json.Number
// so the payload re-encodes to identical bytes.
func Unmarshal(data []byte) (Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Entry
	if err := dec.Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Symbol returns the payload symbol, if the payload names one.
func (e Entry) Symbol() string {
	s, _ := e.Payload["symbol"].(string)
	return strings.ToUpper(strings.TrimSpace(s))
}

// Flags is a set of single-character markers, always kept sorted and de-duplicated.
type Flags string

const (
	FlagSeen      = 'S'
	FlagImportant = 'I'
	FlagHighRisk  = 'H'
	FlagFilled    = 'D'
	FlagRejected  = 'J'
	FlagSymbol    = 'T'
)

var kindFlags = map[Kind]rune{
	KindAnalysis:          'A',
	KindOrderStatus:       'O',
	KindError:             'E',
	KindMetric:            'M',
	KindPortfolioSnapshot: 'F',
	KindSystemEvent:       'V',
	KindOptimizationRun:   'R',
	KindPromptUpdate:      'U',
}

// KindFlag returns the flag letter every archived entry of kind k carries.
func KindFlag(k Kind) rune {
	return kindFlags[k]
}

var tagFlags = map[string]rune{
	"important":       FlagImportant,
	"risk_high":       FlagHighRisk,
	"status_filled":   FlagFilled,
	"status_rejected": FlagRejected,
	"status_error":    'E',
}

// TagFlag maps a suggested tag onto a flag letter; unknown tags have none.
func TagFlag(tag string) (rune, bool) {
	r, ok := tagFlags[strings.ToLower(strings.TrimSpace(tag))]
	return r, ok
}

// SymbolTag is the tag recorded for entries that concern a ticker.
func SymbolTag(symbol string) string {
	return "Symbol_" + strings.ToUpper(symbol)
}

// ParseFlags validates and normalizes a flag string.
func ParseFlags(s string) (Flags, error) {
	for _, r := range s {
		if !validFlag(r) {
			return "", fmt.Errorf("invalid flag %q", r)
		}
	}
	return NewFlags([]rune(s)...), nil
}

func validFlag(r rune) bool {
	return r > ' ' && r < 0x7f && r != ',' && r != ':' && r != '.' && r != '/'
}

func NewFlags(rs ...rune) Flags {
	set := make(map[rune]struct{}, len(rs))
	for _, r := range rs {
		if validFlag(r) {
			set[r] = struct{}{}
		}
	}
	out := make([]rune, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return Flags(out)
}

func (f Flags) Has(r rune) bool {
	return strings.ContainsRune(string(f), r)
}

// HasAll reports whether f is a superset of other.
func (f Flags) HasAll(other Flags) bool {
	for _, r := range other {
		if !f.Has(r) {
			return false
		}
	}
	return true
}

// HasAny reports whether f shares at least one flag with other.
func (f Flags) HasAny(other Flags) bool {
	for _, r := range other {
		if f.Has(r) {
			return true
		}
	}
	return false
}

func (f Flags) Add(other Flags) Flags {
	return NewFlags([]rune(string(f) + string(other))...)
}

func (f Flags) Remove(other Flags) Flags {
	var keep []rune
	for _, r := range f {
		if !other.Has(r) {
			keep = append(keep, r)
		}
	}
	return NewFlags(keep...)
}
