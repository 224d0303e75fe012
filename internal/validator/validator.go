package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// trans is the singleton English translator for validation errors.
var trans ut.Translator

// custom lists the tags registered here with their English message.
var custom = []struct {
	tag     string
	fn      govalidator.Func
	message string
}{
	{"sdp", validateSDP, "{0} must be a session description"},
	{"option_index", nil, "{0} must point at one of the options"},
}

// Setup registers field naming, custom rules and English translations on
// Gin's binding engine. Call once during application startup.
func Setup() {
	v, ok := binding.Validator.Engine().(*govalidator.Validate)
	if !ok {
		return
	}

	// Report fields by their JSON name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateQuestion, model.Question{})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(v, trans)

	for _, c := range custom {
		if c.fn != nil {
			_ = v.RegisterValidation(c.tag, c.fn)
		}
		tag, message := c.tag, c.message
		_ = v.RegisterTranslation(tag, trans,
			func(ut ut.Translator) error { return ut.Add(tag, message, true) },
			func(ut ut.Translator, fe govalidator.FieldError) string {
				t, _ := ut.T(tag, fe.Field())
				return t
			},
		)
	}
}

// validateSDP accepts text that starts with the SDP version line.
func validateSDP(fl govalidator.FieldLevel) bool {
	return strings.HasPrefix(strings.TrimSpace(fl.Field().String()), "v=0")
}

// validateQuestion requires the answer key to index an option.
func validateQuestion(sl govalidator.StructLevel) {
	q := sl.Current().Interface().(model.Question)
	if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
		sl.ReportError(q.CorrectOption, "correct_option", "CorrectOption", "option_index", "")
	}
}

// TranslateErrors maps a binding or validation error to field messages.
// Anything that is not a validation error is reported under "detail".
func TranslateErrors(err error) map[string]string {
	return translate(err, func(fe govalidator.FieldError) string { return fe.Field() })
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst any) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// Struct validates a value loaded outside an HTTP request, such as a seed
// file. Keys are paths like "sections[1].questions[0].options".
func Struct(v any) map[string]string {
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return translate(err, fieldPath)
	}
	return nil
}

func translate(err error, key func(govalidator.FieldError) string) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if !errors.As(err, &ve) {
		fields["detail"] = err.Error()
		return fields
	}
	for _, fe := range ve {
		if trans != nil {
			fields[key(fe)] = fe.Translate(trans)
		} else {
			fields[key(fe)] = fe.Error()
		}
	}
	return fields
}

// fieldPath drops the root type from the namespace.
func fieldPath(fe govalidator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
