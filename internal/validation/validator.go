// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package validation provides struct validation using go-playground/validator
// v10. A single shared validator instance (thread-safe, caches struct info)
// is registered with the custom validators Streamwarden needs:
//
//   - feedurl: an absolute rtsp/rtsps/rtmp/rtmps/http/https URL, the only
//     schemes accepted for camera sources and relay destinations
//   - loglevel: a level accepted by internal/logging
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// feedSchemes are the URL schemes accepted for source and destination feeds.
var feedSchemes = map[string]bool{
	"rtsp":  true,
	"rtsps": true,
	"rtmp":  true,
	"rtmps": true,
	"http":  true,
	"https": true,
}

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Registration only fails for empty tags or nil funcs.
		_ = validate.RegisterValidation("feedurl", validateFeedURL)
		_ = validate.RegisterValidation("loglevel", validateLogLevel)
	})
	return validate
}

func validateFeedURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return feedSchemes[strings.ToLower(u.Scheme)] && u.Host != ""
}

func validateLogLevel(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
		return true
	default:
		return false
	}
}

// Error describes a single failed field in a human-readable way.
type Error struct {
	Field   string
	Tag     string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errors aggregates all failed fields of one struct validation.
type Errors struct {
	Fields []Error
}

func (e *Errors) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// ValidateStruct validates a struct using its `validate` tags. Returns nil
// on success, or an *Errors describing every failed field.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("validation: %w", invalid)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation: %w", err)
	}

	out := &Errors{Fields: make([]Error, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, Error{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: describe(fe),
		})
	}
	return out
}

// Var validates a single value against a tag expression, e.g.
// validation.Var(urlStr, "required,feedurl").
func Var(value interface{}, tag string) error {
	return getValidator().Var(value, tag)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "feedurl":
		return fmt.Sprintf("%s must be an absolute rtsp/rtmp/http URL", fe.Field())
	case "loglevel":
		return fmt.Sprintf("%s is not a valid log level", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
