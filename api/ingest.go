/*
ingest.go - Request body ingestion

PURPOSE:
  Clients send the same payload with camelCase, PascalCase, snake_case or
  kebab-case keys. Bodies are walked with gjson and every object key is
  rewritten to camelCase before decoding into the request DTOs, so the
  DTOs only declare one spelling.

  Scalar values are copied as raw JSON, so decimal amounts keep their
  exact literal.

VALIDATION:
  After decoding, DTOs are checked with validator/v10 struct tags. The
  first failing field becomes a settlement.ValidationError (HTTP 400).
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/warp/settlement-engine/settlement"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

// newValidator reports fields by their JSON name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads, normalizes, decodes and validates r's JSON body into
// dst. An empty body leaves dst at its zero value before validation.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return &settlement.ValidationError{Field: "body", Message: err.Error()}
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		normalized, err := normalizeKeys(raw)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(normalized, dst); err != nil {
			return &settlement.ValidationError{Field: "body", Message: err.Error()}
		}
	}
	return validateStruct(dst)
}

func validateStruct(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &settlement.ValidationError{Field: camelCase(fe.Field()), Message: describeTag(fe)}
	}
	return &settlement.ValidationError{Field: "body", Message: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// normalizeKeys rewrites every object key in a JSON document to camelCase.
func normalizeKeys(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &settlement.ValidationError{Field: "body", Message: "malformed JSON"}
	}
	return json.Marshal(normalizeValue(gjson.ParseBytes(raw)))
}

func normalizeValue(v gjson.Result) any {
	switch {
	case v.IsObject():
		out := make(map[string]any)
		v.ForEach(func(key, value gjson.Result) bool {
			out[camelCase(key.String())] = normalizeValue(value)
			return true
		})
		return out
	case v.IsArray():
		items := v.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return json.RawMessage(v.Raw)
	}
}

// camelCase maps bank_code, bank-code, BankCode and bankCode to bankCode.
func camelCase(key string) string {
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	if len(parts) == 0 {
		return key
	}
	var b strings.Builder
	for i, part := range parts {
		runes := []rune(part)
		if i == 0 {
			runes[0] = unicode.ToLower(runes[0])
		} else {
			runes[0] = unicode.ToUpper(runes[0])
		}
		b.WriteString(string(runes))
	}
	return b.String()
}
