package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

const maxBodyBytes = 1 << 20

type validatorSvc struct {
	v     *validator.Validate
	trans ut.Translator
}

var (
	vOnce sync.Once
	vSvc  *validatorSvc
)

func validate() *validatorSvc {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		// Report json names, not Go field names.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)
		vSvc = &validatorSvc{v: v, trans: trans}
	})
	return vSvc
}

// bindError is a malformed or invalid request body.
type bindError struct {
	Errors []string
}

func (e *bindError) Error() string { return strings.Join(e.Errors, "; ") }

// decodeJSON decodes a single JSON object into T, rejecting unknown fields and
// trailing data, then runs struct validation. Every failing field is reported.
func decodeJSON[T any](r *http.Request) (T, error) {
	var dst T
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dst); err != nil {
		return dst, &bindError{Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	if dec.More() {
		return dst, &bindError{Errors: []string{"unexpected trailing data"}}
	}

	svc := validate()
	if err := svc.v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Translate(svc.trans))
			}
			return dst, &bindError{Errors: msgs}
		}
		return dst, &bindError{Errors: []string{err.Error()}}
	}
	return dst, nil
}
