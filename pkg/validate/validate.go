package validate

import (
	stderrors "errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"ops-platform/pkg/errors"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	// 错误中的字段名使用 json 名，与调用方看到的载荷一致
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return val
}

// Struct 校验带 validate 标签的载荷；失败时返回首个字段的 errors.ValidationError
func Struct(s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		return errors.Invalid(field, fe.Tag())
	}
	return errors.Wrap(errors.ErrValidation, err.Error())
}
