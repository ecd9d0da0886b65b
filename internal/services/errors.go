package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidCredentials     = errors.New("invalid email or password")
	ErrEmailTaken             = errors.New("email already registered")
	ErrUnsupportedIntegration = errors.New("unsupported integration type")
	ErrSourceUnavailable      = errors.New("ticket source unavailable")
	ErrInvalidToken           = errors.New("invalid or expired token")
)

// ValidationError 字段级校验失败
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

// NewValidationError 单字段校验错误
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

// NewValidator 字段名使用 json tag
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FromValidator 把 validator.ValidationErrors 转为字段级错误，其他错误原样返回
func FromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		name := fe.Field()
		if name == "" {
			name = strings.ToLower(fe.StructField())
		}
		out.Fields[name] = fieldReason(fe)
	}
	return out
}

func fieldReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid"
}
