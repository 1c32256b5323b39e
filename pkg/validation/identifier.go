// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package validation checks identifiers that arrive from build tooling or
// from clients before they reach storage keys, headers or cookies.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// MaxIdentifierLength bounds version and deployment ids.
const MaxIdentifierLength = 128

// ErrInvalidIdentifier wraps every rejection from this package.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// currentSentinel is the deployment mapping value meaning "the current
// version". An id spelled the same could not be told apart from it.
const currentSentinel = "current"

// identifierPattern allows letters, digits, dots, underscores and hyphens.
// A leading dot is rejected so ids never look like hidden files or "..".
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// ValidateVersionID checks a version id.
//
// # Description
//
// Version ids become the first segment of every stored asset key
// ("{version}/_assets/app.js"), so they must be a single path segment.
// Evicting a version removes everything under that segment, so callers pass
// the top-level segments of keys they own (the manifest's "__skew") as
// reserved.
//
// # Inputs
//
//   - id: The version id.
//   - reserved: Additional names the id must not equal. "current" is
//     always reserved.
//
// # Outputs
//
//   - error: Wraps ErrInvalidIdentifier when the id is empty, too long,
//     reserved, or contains characters outside [A-Za-z0-9._-].
func ValidateVersionID(id string, reserved ...string) error {
	return validate("version id", id, reserved)
}

// ValidateDeploymentID checks a deployment id. Deployment ids travel in
// headers, query strings and cookies, so the same character set applies,
// and "current" is reserved.
func ValidateDeploymentID(id string) error {
	return validate("deployment id", id, nil)
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
// Used for ids typed on the command line.
func SanitizeIdentifier(kind, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := validate(kind, trimmed, nil); err != nil {
		return "", err
	}
	return trimmed, nil
}

func validate(kind, id string, reserved []string) error {
	if id == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidIdentifier, kind)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidIdentifier, kind, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q (allowed: letters, digits, '.', '_', '-')", ErrInvalidIdentifier, kind, id)
	}
	if id == currentSentinel || slices.Contains(reserved, id) {
		return fmt.Errorf("%w: %s %q is reserved", ErrInvalidIdentifier, kind, id)
	}
	return nil
}
