package activitypub

import (
	"errors"
	"strings"

	"github.com/deemkeen/tusk/domain"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// publicAliases are the compacted forms of the public collection seen in the wild.
var publicAliases = []string{PublicCollection, "as:Public", "Public"}

// Activity is a parsed inbound activity. Object and Instrument keep their
// JSON shape: either a string id or an embedded object.
type Activity struct {
	ID         string
	Type       string
	Kind       domain.ActivityKind
	Actor      string
	Object     any
	Instrument any
	To         []string
	Cc         []string
	Raw        map[string]any
	Payload    []byte
}

type activityEnvelope struct {
	ID    string `validate:"required,url"`
	Type  string `validate:"required"`
	Actor string `validate:"required,url"`
}

// ParseActivity decodes and validates an activity document.
// Malformed input yields a *domain.ValidationError.
func ParseActivity(payload []byte) (*Activity, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, domain.NewValidationError("", "payload is not a JSON object")
	}

	a := &Activity{
		ID:         stringField(raw, "id"),
		Type:       typeOf(raw),
		Actor:      idOf(raw["actor"]),
		Object:     raw["object"],
		Instrument: raw["instrument"],
		To:         stringList(raw["to"]),
		Cc:         stringList(raw["cc"]),
		Raw:        raw,
		Payload:    payload,
	}

	env := activityEnvelope{ID: a.ID, Type: a.Type, Actor: a.Actor}
	if err := validate.Struct(env); err != nil {
		return nil, validationError(err)
	}
	if a.Object == nil {
		return nil, domain.NewValidationError("object", "required")
	}

	a.Kind = domain.ParseActivityKind(a.Type)
	return a, nil
}

// ObjectID is the id of the activity's object, whether linked or embedded.
func (a *Activity) ObjectID() string {
	return idOf(a.Object)
}

// ObjectType is the declared type of an embedded object, or "" for a bare link.
func (a *Activity) ObjectType() string {
	return typeOf(a.Object)
}

// ObjectMap returns the embedded object, or nil when the object is a bare link.
func (a *Activity) ObjectMap() map[string]any {
	m, _ := a.Object.(map[string]any)
	return m
}

// ObjectReference is what the activity is about: the instrument for a
// QuoteRequest, the object otherwise.
func (a *Activity) ObjectReference() string {
	if a.Kind == domain.KindQuoteRequest {
		return idOf(a.Instrument)
	}
	return a.ObjectID()
}

// Audience is the union of the activity's and its embedded object's to and cc.
func (a *Activity) Audience() []string {
	audience := append(append([]string{}, a.To...), a.Cc...)
	if obj := a.ObjectMap(); obj != nil {
		audience = append(audience, stringList(obj["to"])...)
		audience = append(audience, stringList(obj["cc"])...)
	}
	for _, key := range []string{"bto", "bcc", "audience"} {
		audience = append(audience, stringList(a.Raw[key])...)
	}
	return lo.Uniq(audience)
}

// IsPublic reports whether the public collection is addressed.
func (a *Activity) IsPublic() bool {
	return lo.Some(a.Audience(), publicAliases)
}

// validationError converts the first validator failure into a domain error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return domain.NewValidationError(strings.ToLower(verrs[0].Field()), verrs[0].Tag())
	}
	return domain.NewValidationError("", err.Error())
}

// idOf extracts an id from a link string, an embedded object or a one element list.
func idOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id, ok := t["id"].(string); ok {
			return id
		}
		if href, ok := t["href"].(string); ok {
			return href
		}
	case []any:
		if len(t) > 0 {
			return idOf(t[0])
		}
	}
	return ""
}

// typeOf returns the (first) declared type of an embedded object.
func typeOf(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	switch t := m["type"].(type) {
	case string:
		return t
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				return s
			}
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// stringList normalises a string-or-array property into ids.
func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if id := idOf(e); id != "" {
				out = append(out, id)
			}
		}
		return out
	default:
		if id := idOf(t); id != "" {
			return []string{id}
		}
	}
	return nil
}
