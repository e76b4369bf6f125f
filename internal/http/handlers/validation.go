package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodySize = 1 << 20

// validationError is a request the handler refuses before doing any work.
type validationError struct {
	message string
}

func (e validationError) Error() string {
	return e.message
}

func invalid(format string, args ...any) error {
	return validationError{message: fmt.Sprintf(format, args...)}
}

// jsonText accepts a JSON string or number and keeps its text.
type jsonText string

func (t *jsonText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = jsonText(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("must be a string or a number")
	}
	*t = jsonText(n.String())
	return nil
}

// createNoteRequest is the body of POST /contacts/create-note.
type createNoteRequest struct {
	ContactID jsonText `json:"contact_id" validate:"required"`
	Content   string   `json:"content" validate:"required"`
}

// createConfigRequest is the body of POST /crm-config/create.
type createConfigRequest struct {
	Name   string          `json:"name" validate:"required,crmname"`
	Config json.RawMessage `json:"config" validate:"required,jsonobject"`
}

// outboundCallRequest is the body of POST /contacts/outbound-call.
type outboundCallRequest struct {
	PhoneNumber jsonText `json:"phone_number" validate:"required"`
}

// statusUpdateRequest is the body of POST /crm-config/status-update.
type statusUpdateRequest struct {
	ID jsonText `json:"id" validate:"required,numeric"`
}

func newValidator() *validator.Validate {
	validate := validator.New()

	// report fields by their JSON names
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("crmname", func(fl validator.FieldLevel) bool {
		switch strings.ToUpper(strings.TrimSpace(fl.Field().String())) {
		case "HUBSPOT", "SALESFORCE", "PIPEDRIVE":
			return true
		}
		return false
	})
	_ = validate.RegisterValidation("jsonobject", func(fl validator.FieldLevel) bool {
		raw := bytes.TrimSpace(fl.Field().Bytes())
		return len(raw) > 0 && raw[0] == '{' && json.Valid(raw)
	})

	return validate
}

// decodeAndValidate reads a JSON body into dst and validates it. The first
// failing field is reported.
func (h *APIHandler) decodeAndValidate(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return invalid("failed to read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	if err := json.Unmarshal(body, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return invalid("%q has an invalid type", typeErr.Field)
		}
		return invalid("Invalid JSON")
	}

	if err := h.validate.Struct(dst); err != nil {
		return fromValidationError(err)
	}
	return nil
}

func fromValidationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return invalid("Invalid request")
	}

	fe := ve[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return invalid("%q is required", field)
	case "numeric":
		return invalid("%q must be a number", field)
	case "crmname":
		return invalid("%q must be one of HUBSPOT, SALESFORCE, PIPEDRIVE", field)
	case "jsonobject":
		return invalid("%q must be an object", field)
	}
	return invalid("%q has an invalid value", field)
}
