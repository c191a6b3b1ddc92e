package meetings

import (
	"net/url"
	"strconv"
	"strings"
)

// FilterSet holds the optional filters applied to every meeting query.
// Filters are compared by serialized content, never by reference.
type FilterSet struct {
	Day    *int   `json:"day,omitempty"`    // 0=Sunday .. 6=Saturday
	Type   string `json:"type,omitempty"`   // meeting type code
	State  string `json:"state,omitempty"`  // two-letter state code
	City   string `json:"city,omitempty"`
	Online *bool  `json:"online,omitempty"`
	Hybrid *bool  `json:"hybrid,omitempty"`
	Format string `json:"format,omitempty"`
}

// IsZero reports whether no filters are set
func (f FilterSet) IsZero() bool {
	return f.Day == nil && f.Type == "" && f.State == "" && f.City == "" &&
		f.Online == nil && f.Hybrid == nil && f.Format == ""
}

// Signature returns a canonical serialization of the filter set. Equal
// filter content always yields an equal signature, so signatures can serve
// as cache and dedup key components. Unset fields are omitted.
func (f FilterSet) Signature() string {
	parts := make([]string, 0, 7)
	if f.Day != nil {
		parts = append(parts, "day="+strconv.Itoa(*f.Day))
	}
	if f.Type != "" {
		parts = append(parts, "type="+f.Type)
	}
	if f.State != "" {
		parts = append(parts, "state="+f.State)
	}
	if f.City != "" {
		parts = append(parts, "city="+f.City)
	}
	if f.Online != nil {
		parts = append(parts, "online="+strconv.FormatBool(*f.Online))
	}
	if f.Hybrid != nil {
		parts = append(parts, "hybrid="+strconv.FormatBool(*f.Hybrid))
	}
	if f.Format != "" {
		parts = append(parts, "format="+f.Format)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "&")
}

// QueryValues encodes the filter set as backend query parameters
func (f FilterSet) QueryValues() url.Values {
	values := url.Values{}
	if f.Day != nil {
		values.Set("day", strconv.Itoa(*f.Day))
	}
	if f.Type != "" {
		values.Set("type", f.Type)
	}
	if f.State != "" {
		values.Set("state", f.State)
	}
	if f.City != "" {
		values.Set("city", f.City)
	}
	if f.Online != nil {
		values.Set("online", strconv.FormatBool(*f.Online))
	}
	if f.Hybrid != nil {
		values.Set("hybrid", strconv.FormatBool(*f.Hybrid))
	}
	if f.Format != "" {
		values.Set("format", f.Format)
	}
	return values
}
