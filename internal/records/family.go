package records

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// FieldKind constrains the value a payload field may carry.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	// KindID accepts a real numeric id or a temp id string.
	KindID FieldKind = "id"
)

// ServiceIDField is the tenant key every family carries.
const ServiceIDField = "ServiceID"

// Family is the schema of one entity family: where it lives on the backend and what its payloads look like.
type Family struct {
	Name       string
	Table      string
	IDField    string
	TempPrefix string
	Required   []string
	Fields     map[string]FieldKind
}

var (
	// Visual is a structural visual comment attached to an inspection service.
	Visual = Family{
		Name:       "visual",
		Table:      "visuals",
		IDField:    "VisualID",
		TempPrefix: "visual",
		Required:   []string{ServiceIDField, "Category", "Name"},
		Fields: map[string]FieldKind{
			ServiceIDField: KindID,
			"Category":     KindString,
			"Kind":         KindString,
			"Name":         KindString,
			"Text":         KindString,
			"Notes":        KindString,
			"Answers":      KindString,
			"Selected":     KindBool,
		},
	}
	DTE = Family{
		Name:       "dte",
		Table:      "dte",
		IDField:    "DTEID",
		TempPrefix: "dte",
		Required:   []string{ServiceIDField, "Name"},
		Fields: map[string]FieldKind{
			ServiceIDField: KindID,
			"Category":     KindString,
			"Name":         KindString,
			"Text":         KindString,
			"Notes":        KindString,
			"Answers":      KindString,
			"Selected":     KindBool,
		},
	}
	LBW = Family{
		Name:       "lbw",
		Table:      "lbw",
		IDField:    "LBWID",
		TempPrefix: "lbw",
		Required:   []string{ServiceIDField, "Name"},
		Fields: map[string]FieldKind{
			ServiceIDField: KindID,
			"Category":     KindString,
			"Name":         KindString,
			"Text":         KindString,
			"Notes":        KindString,
			"Answers":      KindString,
			"Selected":     KindBool,
		},
	}
	HUD = Family{
		Name:       "hud",
		Table:      "hud",
		IDField:    "HUDID",
		TempPrefix: "hud",
		Required:   []string{ServiceIDField, "Name"},
		Fields: map[string]FieldKind{
			ServiceIDField: KindID,
			"Category":     KindString,
			"Name":         KindString,
			"Text":         KindString,
			"Notes":        KindString,
			"Answers":      KindString,
			"Selected":     KindBool,
			"Quantity":     KindNumber,
		},
	}
	// Attachment rows reference their parent record through EntityType and EntityID.
	Attachment = Family{
		Name:       "attachment",
		Table:      "attachments",
		IDField:    "AttachID",
		TempPrefix: "attach",
		Required:   []string{ServiceIDField, "EntityType", "EntityID"},
		Fields: map[string]FieldKind{
			ServiceIDField: KindID,
			"EntityType":   KindString,
			"EntityID":     KindID,
			"Caption":      KindString,
			"Drawings":     KindString,
			"Photo":        KindString,
			"FileName":     KindString,
		},
	}
)

// Families lists every built-in family.
func Families() []Family {
	return []Family{Visual, DTE, LBW, HUD, Attachment}
}

// FamilyByName returns the built-in family called name.
func FamilyByName(name string) (Family, bool) {
	for _, family := range Families() {
		if family.Name == name {
			return family, true
		}
	}
	return Family{}, false
}

// RecordsEndpoint is the collection endpoint CREATEs are posted to.
func (f Family) RecordsEndpoint() string {
	return "/tables/" + f.Table + "/records"
}

// KeyedEndpoint addresses the row whose IDField equals id.
func (f Family) KeyedEndpoint(id string) string {
	return f.whereEndpoint(f.IDField, id)
}

// ServiceEndpoint lists the rows belonging to serviceID.
func (f Family) ServiceEndpoint(serviceID string) string {
	return f.whereEndpoint(ServiceIDField, serviceID)
}

// UploadEndpoint accepts multipart attachment uploads.
func (f Family) UploadEndpoint() string {
	return "/tables/" + f.Table + "/attachments"
}

func (f Family) whereEndpoint(field, value string) string {
	return f.RecordsEndpoint() + "?q.where=" + field + "=" + url.QueryEscape(value)
}

// ValidationError reports a payload that does not match its family schema.
type ValidationError struct {
	Family string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("records: invalid %s payload: %s %s", e.Family, e.Field, e.Reason)
}

// Validate checks fields against the schema. A partial payload (an update patch) skips required-field checks
// but may not blank a required field.
func (f Family) Validate(fields map[string]any, partial bool) error {
	if len(fields) == 0 {
		return &ValidationError{Family: f.Name, Field: "payload", Reason: "is empty"}
	}
	if !partial {
		for _, name := range f.Required {
			if isBlank(fields[name]) {
				return &ValidationError{Family: f.Name, Field: name, Reason: "is required"}
			}
		}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == f.IDField {
			return &ValidationError{Family: f.Name, Field: name, Reason: "is assigned by the backend"}
		}
		kind, known := f.Fields[name]
		if !known {
			return &ValidationError{Family: f.Name, Field: name, Reason: "is not part of the schema"}
		}
		value := fields[name]
		if partial && isBlank(value) && f.required(name) {
			return &ValidationError{Family: f.Name, Field: name, Reason: "cannot be cleared"}
		}
		if value == nil {
			continue
		}
		if !kindAccepts(kind, value) {
			return &ValidationError{Family: f.Name, Field: name, Reason: "must be " + string(kind)}
		}
	}
	return nil
}

func (f Family) required(name string) bool {
	for _, candidate := range f.Required {
		if candidate == name {
			return true
		}
	}
	return false
}

func isBlank(value any) bool {
	if value == nil {
		return true
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text) == ""
	}
	return false
}

func kindAccepts(kind FieldKind, value any) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindNumber:
		return isNumber(value)
	case KindID:
		if text, ok := value.(string); ok {
			return strings.TrimSpace(text) != ""
		}
		return isNumber(value)
	default:
		return false
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	default:
		return false
	}
}

var errNoServiceID = errors.New("records: payload has no ServiceID")

// serviceIDOf renders the ServiceID of a payload or row as a string key.
func serviceIDOf(fields map[string]any) (string, error) {
	value, ok := fields[ServiceIDField]
	if !ok || value == nil {
		return "", errNoServiceID
	}
	return IDString(value), nil
}

// IDString renders a numeric or string id without a fractional part.
func IDString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprint(typed)
	case float32:
		return IDString(float64(typed))
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}
