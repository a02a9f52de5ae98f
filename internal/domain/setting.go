package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// MatchType only changes how ties are narrated in a resolution's why text.
type MatchType string

const (
	MatchTypeHierarchy        MatchType = "hierarchy"
	MatchTypeMultiDimensional MatchType = "multi_dimensional"
)

// MatchPattern maps a context key to the value it requires.
// The empty pattern matches every context.
type MatchPattern map[string]string

// Context is the runtime entity context supplied at resolution time,
// e.g. {asset_class: "equity", product_id: "AAPL"}.
type Context map[string]string

// Canonical renders the context with sorted keys, suitable for cache keys
// and name-based identifiers. Keys and values are quoted, so distinct
// contexts never render alike.
func (c Context) Canonical() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(c[k]))
	}
	return b.String()
}

// Override is a context-conditional replacement for a setting's default.
type Override struct {
	Match    MatchPattern `json:"match"`
	Value    Value        `json:"value"`
	Priority int          `json:"priority"`
}

// UnmarshalJSON keeps the value pending; the owning setting decodes it
// against its declared value type.
func (o *Override) UnmarshalJSON(data []byte) error {
	var aux struct {
		Match    MatchPattern    `json:"match"`
		Value    json.RawMessage `json:"value"`
		Priority int             `json:"priority"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.Match = aux.Match
	o.Value = Raw{Data: aux.Value}
	o.Priority = aux.Priority
	return nil
}

// Setting is a configuration item with a default and context-dependent overrides.
type Setting struct {
	SettingID string     `json:"setting_id"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Name      string     `json:"name"`
	ValueType ValueType  `json:"value_type"`
	Default   Value      `json:"default"`
	MatchType MatchType  `json:"match_type"`
	Overrides []Override `json:"overrides"`
}

// UnmarshalJSON decodes the default and every override value using
// value_type as the discriminant. Values that do not fit are kept as Raw
// so resolution can report them.
func (s *Setting) UnmarshalJSON(data []byte) error {
	type alias Setting
	var aux struct {
		alias
		Default json.RawMessage `json:"default"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*s = Setting(aux.alias)
	s.Default = decodeLenient(s.ValueType, aux.Default)
	for i := range s.Overrides {
		s.Overrides[i].Value = retype(s.ValueType, s.Overrides[i].Value)
	}
	return nil
}

// ValueErrors lists the default and override values that did not decode as
// the setting's value type, e.g. "overrides[1]: expected decimal: ...".
func (s *Setting) ValueErrors() []string {
	var errs []string
	if raw, ok := s.Default.(Raw); ok {
		errs = append(errs, "default: "+raw.failure())
	}
	for i, o := range s.Overrides {
		if raw, ok := o.Value.(Raw); ok {
			errs = append(errs, "overrides["+strconv.Itoa(i)+"]: "+raw.failure())
		}
	}
	return errs
}

// EffectiveMatchType returns the match type, defaulting to hierarchy.
func (s *Setting) EffectiveMatchType() MatchType {
	if s.MatchType == "" {
		return MatchTypeHierarchy
	}
	return s.MatchType
}
