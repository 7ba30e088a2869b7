package validator

import (
	"errors"
	"math"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	// trans is the singleton English translator for validation errors.
	trans     ut.Translator
	setupOnce sync.Once
)

// Setup registers the validator with English translations and the band and
// media URL rules on Gin's binding engine. Safe to call more than once.
func Setup() {
	setupOnce.Do(setup)
}

func setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		// Use JSON tag name for field names in error messages.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		// Register English translations.
		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		trans, _ = uni.GetTranslator("en")
		en_translations.RegisterDefaultTranslations(v, trans)

		for _, r := range rules {
			_ = v.RegisterValidation(r.tag, r.fn)
			registerMessage(v, r.tag, r.message)
		}
	}
}

type rule struct {
	tag     string
	fn      govalidator.Func
	message string
}

var rules = []rule{
	{tag: "halfband", fn: isHalfBand, message: "{0} must be an IELTS band between 0 and 9 in steps of 0.5"},
	{tag: "media_url", fn: isMediaURL, message: "{0} must be an http(s) URL or a path starting with /"},
}

// isHalfBand accepts IELTS bands: 0 to 9 in half steps.
func isHalfBand(fl govalidator.FieldLevel) bool {
	var f float64
	switch fl.Field().Kind() {
	case reflect.Float32, reflect.Float64:
		f = fl.Field().Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f = float64(fl.Field().Int())
	default:
		return false
	}
	return f >= 0 && f <= 9 && math.Mod(f*2, 1) == 0
}

// isMediaURL accepts absolute http(s) URLs and site-relative paths such as
// the local /uploads mount.
func isMediaURL(fl govalidator.FieldLevel) bool {
	raw := fl.Field().String()
	if strings.HasPrefix(raw, "/") {
		return !strings.HasPrefix(raw, "//") && !strings.Contains(raw, "..")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func registerMessage(v *govalidator.Validate, tag, message string) {
	_ = v.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error { return ut.Add(tag, message, true) },
		func(ut ut.Translator, fe govalidator.FieldError) string {
			msg, _ := ut.T(tag, fe.Field())
			return msg
		},
	)
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name â†’ human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// Struct validates an already decoded value with the same rules as Bind.
func Struct(v interface{}) map[string]string {
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
