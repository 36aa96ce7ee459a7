// Package inputval validates decoded request bodies with
// go-playground/validator and turns failures into messages keyed by JSON
// field name, ready for jsonutil.ValidationError.
//
//	type createInput struct {
//	    FullName string `json:"full_name" validate:"required,max=200" label:"Full name"`
//	    Role     string `json:"role" validate:"required,role"`
//	}
//
// A label tag names the field in messages; without one the JSON name is
// used.
package inputval

import (
	"errors"
	"net/mail"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dalemusser/stratashift/internal/domain/models"
	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AnnouncementTypes lists the accepted announcement types.
var AnnouncementTypes = []string{"info", "warning", "critical"}

// FieldError is one failed rule.
type FieldError struct {
	Field   string // JSON name
	Label   string
	Message string
}

// Result collects the failures of one Validate call.
type Result struct {
	Errors []FieldError
}

func (r *Result) HasErrors() bool { return len(r.Errors) > 0 }

// First returns the first message, or "".
func (r *Result) First() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Message
}

// All joins every message with "; ".
func (r *Result) All() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Fields maps each failing field to its first message. It is nil when
// nothing failed.
func (r *Result) Fields() map[string]string {
	if len(r.Errors) == 0 {
		return nil
	}
	m := make(map[string]string, len(r.Errors))
	for _, e := range r.Errors {
		if _, seen := m[e.Field]; !seen {
			m[e.Field] = e.Message
		}
	}
	return m
}

// rule is a validate tag this package registers.
type rule struct {
	tag   string
	check func(string) bool
	msg   func(label string) string
}

func oneOf(label string, vals []string) string {
	return label + " must be one of: " + strings.Join(vals, ", ") + "."
}

var rules = []rule{
	{"objectid", IsValidObjectID, func(l string) string { return l + " is not a valid ID." }},
	{"hhmm", IsValidHHMM, func(l string) string { return l + " must be a time in HH:MM format." }},
	{"announcementtype", IsValidAnnouncementType, func(l string) string { return oneOf(l, AnnouncementTypes) }},
	{"role", isValidRole, func(l string) string { return oneOf(l, models.AllRoles()) }},
	{"authmethod", IsValidAuthMethod, func(l string) string {
		return oneOf(l, []string{models.AuthPassword, models.AuthGoogle})
	}},
	{"httpurl", IsValidHTTPURL, func(l string) string {
		return l + " must be a valid URL starting with http:// or https://."
	}},
}

var validate = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	for _, r := range rules {
		check := r.check
		_ = v.RegisterValidation(r.tag, func(fl validator.FieldLevel) bool {
			return check(fl.Field().String())
		})
	}
	return v
})

// jsonName is the JSON key of f, or its Go name when it has none.
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// Validate checks s, a struct or pointer to one, against its validate tags.
func Validate(s any) *Result {
	res := &Result{}
	err := validate().Struct(s)
	if err == nil {
		return res
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		res.Errors = append(res.Errors, FieldError{Message: "Invalid input."})
		return res
	}

	labels := labelsOf(s)
	for _, e := range verrs {
		label := labels[e.Field()]
		if label == "" {
			label = e.Field()
		}
		res.Errors = append(res.Errors, FieldError{
			Field:   e.Field(),
			Label:   label,
			Message: message(label, e),
		})
	}
	return res
}

// labelsOf maps JSON field names to their label tags.
func labelsOf(s any) map[string]string {
	t := reflect.TypeOf(s)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	labels := map[string]string{}
	if t.Kind() != reflect.Struct {
		return labels
	}
	for i := range t.NumField() {
		f := t.Field(i)
		if l := f.Tag.Get("label"); l != "" {
			labels[jsonName(f)] = l
		}
	}
	return labels
}

func message(label string, e validator.FieldError) string {
	for _, r := range rules {
		if r.tag == e.Tag() {
			return r.msg(label)
		}
	}

	p := e.Param()
	unit := " characters."
	if isNumber(e.Kind()) {
		unit = "."
	}
	switch e.Tag() {
	case "required":
		return label + " is required."
	case "email":
		return "A valid email address is required."
	case "oneof":
		return oneOf(label, strings.Fields(p))
	case "len":
		return label + " must be exactly " + p + " characters."
	case "numeric":
		return label + " must contain only digits."
	case "min", "gte":
		return label + " must be at least " + p + unit
	case "max", "lte":
		return label + " must be at most " + p + unit
	}
	return label + " is invalid."
}

func isNumber(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Uint64) || k == reflect.Float32 || k == reflect.Float64
}

// IsValidEmail accepts a bare address (surrounding space allowed) and
// rejects the "Name <addr>" form.
func IsValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// IsValidAuthMethod matches models' auth methods ignoring case and space.
func IsValidAuthMethod(s string) bool {
	return models.IsValidAuthMethod(strings.ToLower(strings.TrimSpace(s)))
}

func isValidRole(s string) bool {
	return models.IsValidRole(strings.ToLower(strings.TrimSpace(s)))
}

// IsValidHTTPURL accepts absolute http and https URLs.
func IsValidHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsValidObjectID accepts a 24-digit hex ObjectID.
func IsValidObjectID(s string) bool {
	_, err := primitive.ObjectIDFromHex(strings.TrimSpace(s))
	return err == nil
}

// IsValidHHMM accepts a zero-padded 24-hour "HH:MM".
func IsValidHHMM(s string) bool {
	if len(s) != 5 {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

// IsValidAnnouncementType is case-sensitive.
func IsValidAnnouncementType(s string) bool {
	return slices.Contains(AnnouncementTypes, s)
}
