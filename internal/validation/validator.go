// Package validation wraps go-playground/validator with the console's own
// rules: request structs and user details collected for a bot's prompt fields.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/antoniostano/botconsole/internal/conversation"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ()\-]{5,18}[0-9]$`)
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return phonePattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("bottype", func(fl validator.FieldLevel) bool {
			return conversation.BotType(fl.Field().String()).Valid()
		})
	})
	return validate
}

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Error collects every failed field of a request or details submission.
type Error struct {
	Fields []FieldError `json:"fields"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Message)
	}
	return strings.Join(parts, "; ")
}

// Struct validates a request struct using its `validate` tags.
func Struct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &Error{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: messageFor(fe.Field(), fe.Tag(), fe.Param()),
		})
	}
	return out
}

// Details checks submitted user details against a bot's prompt fields:
// required fields must be non-blank and typed fields must parse.
// Unknown keys are ignored. The returned map holds only declared fields,
// trimmed.
func Details(fields []conversation.PromptField, details map[string]string) (map[string]string, error) {
	v := instance()
	clean := make(map[string]string, len(fields))
	out := &Error{}

	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		value := strings.TrimSpace(details[name])
		label := f.Label
		if label == "" {
			label = name
		}

		if value == "" {
			if f.Required {
				out.Fields = append(out.Fields, FieldError{Field: name, Tag: "required", Message: messageFor(label, "required", "")})
			}
			continue
		}

		if tag := tagForType(f.Type); tag != "" {
			if err := v.Var(value, tag); err != nil {
				out.Fields = append(out.Fields, FieldError{Field: name, Tag: tag, Message: messageFor(label, tag, "")})
				continue
			}
		}
		clean[name] = value
	}

	if len(out.Fields) > 0 {
		sort.SliceStable(out.Fields, func(i, j int) bool { return out.Fields[i].Field < out.Fields[j].Field })
		return nil, out
	}
	return clean, nil
}

func tagForType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "email":
		return "email"
	case "number":
		return "number"
	case "phone", "tel":
		return "phone"
	default:
		return ""
	}
}

func messageFor(field, tag, param string) string {
	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "number", "numeric":
		return fmt.Sprintf("%s must be a number", field)
	case "phone":
		return fmt.Sprintf("%s must be a valid phone number", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, param)
	case "url", "http_url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "bottype":
		return fmt.Sprintf("%s must be one of voice, chat, whatsapp, sms", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}
