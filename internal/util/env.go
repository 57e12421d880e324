// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"regexp"
	"strings"
)

// envVarKeyPattern matches POSIX-style environment variable names.
var envVarKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidEnvVarKey indicates an environment variable key failed validation.
var ErrInvalidEnvVarKey = fmt.Errorf("invalid environment variable key")

// sensitiveKeyFragments flags values that must never appear in logs.
// Database credentials for the install exec path are the main case.
var sensitiveKeyFragments = []string{"PASSWORD", "SECRET", "TOKEN", "KEY", "CREDENTIAL"}

// =============================================================================
// EnvVar Type
// =============================================================================

// EnvVar is a single validated environment variable.
//
// # Description
//
// Variables handed to in-container execs (installer steps, database resets)
// carry credentials, so each variable tracks whether its value is sensitive.
// Sensitive values are replaced with a placeholder by Redacted and
// RedactedSlice, which are the only forms that may be logged.
type EnvVar struct {
	// Key is the variable name.
	Key string

	// Value is the variable value.
	Value string

	// Sensitive marks values that must be redacted in logs.
	Sensitive bool
}

// String formats the variable as KEY=VALUE.
func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// Redacted formats the variable with the value masked when sensitive.
func (e EnvVar) Redacted() string {
	if e.Sensitive {
		return e.Key + "=***"
	}
	return e.String()
}

// Validate checks the key against the POSIX name pattern.
func (e EnvVar) Validate() error {
	if !envVarKeyPattern.MatchString(e.Key) {
		return fmt.Errorf("%w: %q", ErrInvalidEnvVarKey, e.Key)
	}
	return nil
}

// =============================================================================
// EnvVars Collection
// =============================================================================

// EnvVars is an ordered collection of validated environment variables.
//
// # Thread Safety
//
// Not safe for concurrent mutation. Build the collection up front and treat
// it as read-only afterwards.
type EnvVars struct {
	vars []EnvVar
}

// NewEnvVars builds a collection, validating every key.
func NewEnvVars(vars ...EnvVar) (*EnvVars, error) {
	e := &EnvVars{}
	for _, v := range vars {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		e.vars = append(e.vars, v)
	}
	return e, nil
}

// EmptyEnvVars returns an empty, ready-to-use collection.
func EmptyEnvVars() *EnvVars {
	return &EnvVars{}
}

// Add appends one variable after validating the key. Sensitivity is forced
// on when the key matches a known credential fragment, regardless of the
// caller's flag.
func (e *EnvVars) Add(key, value string, sensitive bool) error {
	v := EnvVar{Key: key, Value: value, Sensitive: sensitive || isSensitiveKey(key)}
	if err := v.Validate(); err != nil {
		return err
	}
	e.vars = append(e.vars, v)
	return nil
}

// Get returns the value for key, or the empty string when absent.
func (e *EnvVars) Get(key string) string {
	for _, v := range e.vars {
		if v.Key == key {
			return v.Value
		}
	}
	return ""
}

// Has reports whether key is present.
func (e *EnvVars) Has(key string) bool {
	for _, v := range e.vars {
		if v.Key == key {
			return true
		}
	}
	return false
}

// Len returns the number of variables.
func (e *EnvVars) Len() int {
	return len(e.vars)
}

// ToSlice returns the variables as KEY=VALUE strings in insertion order,
// shaped for exec.Cmd.Env and compose exec -e flags.
func (e *EnvVars) ToSlice() []string {
	out := make([]string, 0, len(e.vars))
	for _, v := range e.vars {
		out = append(out, v.String())
	}
	return out
}

// RedactedSlice returns KEY=VALUE strings with sensitive values masked.
// This is the only form that may reach a log line.
func (e *EnvVars) RedactedSlice() []string {
	out := make([]string, 0, len(e.vars))
	for _, v := range e.vars {
		out = append(out, v.Redacted())
	}
	return out
}

// Clone returns an independent copy.
func (e *EnvVars) Clone() *EnvVars {
	c := &EnvVars{vars: make([]EnvVar, len(e.vars))}
	copy(c.vars, e.vars)
	return c
}

// =============================================================================
// Utility Functions
// =============================================================================

// isSensitiveKey reports whether a key looks like it names a credential.
func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(upper, fragment) {
			return true
		}
	}
	return false
}
