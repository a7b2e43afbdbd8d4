package optset

import (
	"errors"
	"net/url"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var translator ut.Translator

// tchar per RFC 9110 section 5.6.2, minus ALPHA and DIGIT.
const tokenPunct = "!#$%&'*+-.^_`|~"

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("optset: failed to get 'en' translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	custom := []struct {
		tag string
		fn  validator.Func
		msg string
	}{
		{tag: "httpurl", fn: isHTTPURL, msg: "{0} must be an absolute http or https URL"},
		{tag: "httptoken", fn: isToken, msg: "{0} must be a valid HTTP token"},
		{tag: "fieldvalue", fn: isFieldValue, msg: "{0} must not contain CR or LF"},
	}

	for _, c := range custom {
		if err := validate.RegisterValidation(c.tag, c.fn); err != nil {
			panic(err)
		}

		tag, msg := c.tag, c.msg
		register := func(t ut.Translator) error {
			return t.Add(tag, msg, true)
		}
		translate := func(t ut.Translator, fe validator.FieldError) string {
			s, err := t.T(tag, fe.Field())
			if err != nil {
				return fe.Error()
			}
			return s
		}
		if err := validate.RegisterTranslation(tag, translator, register, translate); err != nil {
			panic(err)
		}
	}
}

// check validates a single value against tag and returns the translated
// failure message prefixed with field, or "" when the value passes.
func check(field string, value any, tag string) string {
	err := validate.Var(value, tag)
	if err == nil {
		return ""
	}

	var verrors validator.ValidationErrors
	if !errors.As(err, &verrors) {
		return field + ": " + err.Error()
	}

	parts := make([]string, 0, len(verrors))
	for _, verror := range verrors {
		parts = append(parts, field+" "+strings.TrimSpace(verror.Translate(translator)))
	}

	return strings.Join(parts, "; ")
}

func isHTTPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isToken(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(tokenPunct, r):
		default:
			return false
		}
	}

	return true
}

func isFieldValue(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "\r\n")
}
