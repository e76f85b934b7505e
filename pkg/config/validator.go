package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator 配置验证器
type Validator struct {
	validate *validator.Validate
}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(),
	}
}

// Validate 验证配置结构体
// 支持标准的 validator tag，如 required、min、max、gte、gtfield、oneof
func (v *Validator) Validate(cfg any) error {
	if cfg == nil {
		return ErrNilConfig
	}

	if err := v.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %s", ErrValidationFailed, formatValidationErrors(err))
	}
	return nil
}

// formatValidationErrors 格式化验证错误信息
func formatValidationErrors(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}

	var sb strings.Builder
	for i, fieldErr := range validationErrors {
		if i > 0 {
			sb.WriteString("; ")
		}

		field := fieldErr.Namespace()
		param := fieldErr.Param()

		switch fieldErr.Tag() {
		case "required":
			fmt.Fprintf(&sb, "field '%s' is required", field)
		case "min", "gte":
			fmt.Fprintf(&sb, "field '%s' must be at least %s", field, param)
		case "max", "lte":
			fmt.Fprintf(&sb, "field '%s' must be at most %s", field, param)
		case "gtefield":
			fmt.Fprintf(&sb, "field '%s' must be >= field '%s'", field, param)
		case "ltefield":
			fmt.Fprintf(&sb, "field '%s' must be <= field '%s'", field, param)
		case "oneof":
			fmt.Fprintf(&sb, "field '%s' must be one of [%s]", field, param)
		default:
			fmt.Fprintf(&sb, "field '%s' failed validation '%s'", field, fieldErr.Tag())
		}
	}
	return sb.String()
}
