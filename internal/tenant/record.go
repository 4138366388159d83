package tenant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ScriptStatus is the last script state persisted for a tenant.
type ScriptStatus string

const (
	StatusRunning ScriptStatus = "running"
	StatusStopped ScriptStatus = "stopped"
	StatusDeleted ScriptStatus = "deleted"
)

const (
	DefaultEntryPoint     = "main.py"
	DefaultRuntimeVersion = "3.9"

	// ExpiryLayout is the stored form of hosting_expiry.
	ExpiryLayout = "02.01.2006 15:04"
	// ExpiryDateLayout is accepted when no time of day is stored.
	ExpiryDateLayout = "02.01.2006"
)

var (
	ErrNotFound        = errors.New("tenant not found")
	ErrInvalidID       = errors.New("invalid tenant id")
	ErrCorruptDocument = errors.New("tenant document unreadable")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID rejects identifiers that are unsafe as a path component.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Record is the per-tenant document the hosting components read and patch.
// Fields the hosting side does not know about are kept in Extra and written back untouched.
type Record struct {
	ID             string         `json:"id"`
	Plan           string         `json:"plan,omitempty"`
	Expiry         *time.Time     `json:"expiry,omitempty"`
	EntryPoint     string         `json:"entry_point,omitempty"`
	ScriptStatus   ScriptStatus   `json:"script_status,omitempty"`
	RuntimeVersion string         `json:"runtime_version,omitempty"`
	Balance        int64          `json:"balance"`
	HasFiles       bool           `json:"has_files"`
	FilesCount     int            `json:"files_count"`
	Libraries      []string       `json:"libraries,omitempty"`
	Extra          map[string]any `json:"-"`
}

// HasPlan reports whether the tenant has a hosting plan with a known expiry.
func (r Record) HasPlan() bool { return r.Plan != "" && r.Expiry != nil }

// Entry returns the recorded entry point or the default.
func (r Record) Entry() string {
	if r.EntryPoint == "" {
		return DefaultEntryPoint
	}
	return r.EntryPoint
}

// Runtime returns the recorded runtime version or the default.
func (r Record) Runtime() string {
	if r.RuntimeVersion == "" {
		return DefaultRuntimeVersion
	}
	return r.RuntimeVersion
}

// Patch is a partial update. Nil fields are left as they are.
type Patch struct {
	Plan           *string
	ClearPlan      bool
	Expiry         *time.Time
	ClearExpiry    bool
	EntryPoint     *string
	ScriptStatus   *ScriptStatus
	RuntimeVersion *string
	Balance        *int64
	HasFiles       *bool
	FilesCount     *int
	// Libraries replaces the installed package list.
	Libraries *[]string
}

// Apply returns r with p applied.
func (r Record) Apply(p Patch) Record {
	if p.ClearPlan {
		r.Plan = ""
	} else if p.Plan != nil {
		r.Plan = *p.Plan
	}
	if p.ClearExpiry {
		r.Expiry = nil
		r.dropRawExpiry()
	} else if p.Expiry != nil {
		t := *p.Expiry
		r.Expiry = &t
		r.dropRawExpiry()
	}
	if p.EntryPoint != nil {
		r.EntryPoint = *p.EntryPoint
	}
	if p.ScriptStatus != nil {
		r.ScriptStatus = *p.ScriptStatus
	}
	if p.RuntimeVersion != nil {
		r.RuntimeVersion = *p.RuntimeVersion
	}
	if p.Balance != nil {
		r.Balance = *p.Balance
	}
	if p.HasFiles != nil {
		r.HasFiles = *p.HasFiles
	}
	if p.FilesCount != nil {
		r.FilesCount = *p.FilesCount
	}
	if p.Libraries != nil {
		r.Libraries = append([]string(nil), (*p.Libraries)...)
	}
	return r
}

// dropRawExpiry forgets an unparsable stored expiry once a patch sets or
// clears it. Extra is copied so the receiver's source record is untouched.
func (r *Record) dropRawExpiry() {
	if _, ok := r.Extra[keyExpiry]; !ok {
		return
	}
	extra := make(map[string]any, len(r.Extra))
	for k, v := range r.Extra {
		if k != keyExpiry {
			extra[k] = v
		}
	}
	r.Extra = extra
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// ParseExpiry parses "DD.MM.YYYY HH:MM", falling back to "DD.MM.YYYY".
// Times are interpreted in loc (time.Local when nil).
func ParseExpiry(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(ExpiryLayout, s, loc); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(ExpiryDateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiry %q: %w", s, err)
	}
	return t, nil
}

// FormatExpiry renders t in the stored layout.
func FormatExpiry(t time.Time) string { return t.Format(ExpiryLayout) }

// document keys
const (
	keyPlan       = "hosting_plan"
	keyExpiry     = "hosting_expiry"
	keyEntry      = "entry_point_path"
	keyStatus     = "script_status"
	keyRuntime    = "runtime_version"
	keyBalance    = "balance"
	keyHasFiles   = "has_files"
	keyFilesCount = "files_count"
	keyLibraries  = "libraries"
)

// MarshalDocument renders r as the JSON document persisted by the SQL stores.
// A missing plan or expiry is written as null, except that an unparsable
// expiry kept in Extra is written back as it was read.
func MarshalDocument(r Record) ([]byte, error) {
	doc := make(map[string]any, len(r.Extra)+8)
	for k, v := range r.Extra {
		doc[k] = v
	}
	if r.Plan != "" {
		doc[keyPlan] = r.Plan
	} else {
		doc[keyPlan] = nil
	}
	if r.Expiry != nil {
		doc[keyExpiry] = FormatExpiry(*r.Expiry)
	} else if _, raw := r.Extra[keyExpiry]; !raw {
		doc[keyExpiry] = nil
	}
	doc[keyEntry] = r.Entry()
	doc[keyStatus] = string(r.ScriptStatus)
	doc[keyRuntime] = r.Runtime()
	doc[keyBalance] = r.Balance
	doc[keyHasFiles] = r.HasFiles
	doc[keyFilesCount] = r.FilesCount
	libs := r.Libraries
	if libs == nil {
		libs = []string{}
	}
	doc[keyLibraries] = libs
	return json.Marshal(doc)
}

// UnmarshalDocument parses a persisted document. An unparsable expiry is
// returned as an error together with the rest of the record, and the raw
// value is kept in Extra so it survives the next write. A document that is
// not a JSON object yields ErrCorruptDocument.
func UnmarshalDocument(id string, b []byte) (Record, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Record{ID: id}, fmt.Errorf("%w: tenant %s: %v", ErrCorruptDocument, id, err)
	}
	r := Record{ID: id, Extra: map[string]any{}}
	var expiryErr error
	for k, v := range doc {
		switch k {
		case keyPlan:
			r.Plan, _ = v.(string)
		case keyExpiry:
			if s, ok := v.(string); ok && s != "" {
				t, err := ParseExpiry(s, nil)
				if err != nil {
					expiryErr = err
					r.Extra[k] = s
					continue
				}
				r.Expiry = &t
			}
		case keyEntry:
			r.EntryPoint, _ = v.(string)
		case keyStatus:
			s, _ := v.(string)
			r.ScriptStatus = ScriptStatus(s)
		case keyRuntime:
			r.RuntimeVersion, _ = v.(string)
		case keyBalance:
			if n, ok := v.(json.Number); ok {
				r.Balance, _ = n.Int64()
			}
		case keyHasFiles:
			r.HasFiles, _ = v.(bool)
		case keyFilesCount:
			if n, ok := v.(json.Number); ok {
				c, _ := n.Int64()
				r.FilesCount = int(c)
			}
		case keyLibraries:
			items, _ := v.([]any)
			for _, it := range items {
				if name, ok := it.(string); ok && name != "" {
					r.Libraries = append(r.Libraries, name)
				}
			}
		default:
			r.Extra[k] = v
		}
	}
	return r, expiryErr
}
