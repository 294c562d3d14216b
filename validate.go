package chatsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxContentLength is the longest message body accepted, in runes.
const MaxContentLength = 4000

// FieldError is one failed validation rule.
type FieldError struct {
	Field string
	Tag   string
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " failed " + f.Tag
	}
	return "validation: " + strings.Join(parts, ", ")
}

// Validator checks outgoing messages and sessions.
type Validator struct {
	cli *validator.Validate
}

// NewValidator returns a validator with required-struct checks enabled.
func NewValidator() *Validator {
	return &Validator{
		cli: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type outgoingMessage struct {
	Content string `validate:"required,max=4000"`
}

// Content validates a message body. Surrounding whitespace does not count.
func (v *Validator) Content(content string) error {
	return v.check(outgoingMessage{Content: strings.TrimSpace(content)})
}

// Session validates the current-user session.
func (v *Validator) Session(s Session) error {
	return v.check(s)
}

// Struct validates any tagged struct.
func (v *Validator) Struct(s any) error {
	return v.check(s)
}

func (v *Validator) check(s any) error {
	err := v.cli.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation: %w", err)
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.StructField(), Tag: fe.Tag()})
	}
	return out
}
