// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dedup

import (
	"path"
	"regexp"
	"strings"
	"unicode"
)

// hashSegment matches the characters bundlers use for content hashes
// (hex and base64url).
var hashSegment = regexp.MustCompile(`^[A-Za-z0-9_-]{8,}$`)

// dashedHashLength is the only hash width accepted when the hash itself
// contains '-'. Rollup, Vite and Nuxt all default to 8 characters.
const dashedHashLength = 8

// Fingerprint derives the dedup token for an asset path.
//
// # Description
//
// Bundlers name outputs like "index-a1b2c3d4.js", "chunk.9f8e7d6c.css",
// "index-Bx-3kLq9.js" or a bare hash such as "DlAUqK2U.js". A name is
// hash-bearing when its stem holds a content hash as a whole '.'-separated
// part, as the text after a '-' within a part, or as the entire stem. The
// fingerprint is the hash-bearing base name (stem plus extension), so two
// assets share a fingerprint only when both their name and hash match.
//
// Paths without a recognizable hash return "" and are never deduplicated.
//
// # Examples
//
//	Fingerprint("/_assets/index-a1b2c3d4.js")  // "index-a1b2c3d4.js"
//	Fingerprint("/_nuxt/DlAUqK2U.js")          // "DlAUqK2U.js"
//	Fingerprint("/_assets/index-Bx-3kLq9.js")  // "index-Bx-3kLq9.js"
//	Fingerprint("/favicon.ico")                // ""
//
// # Assumptions
//
//   - Identical fingerprint implies identical bytes. Set verify_content to
//     check this by hashing before merging.
//   - Mixed-case words of eight or more letters ("MyComponent.js") read as
//     hashes. Unhashed assets with such names need verify_content.
func Fingerprint(assetPath string) string {
	base := path.Base(assetPath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" || ext == "" {
		return ""
	}

	parts := strings.Split(stem, ".")
	if len(parts) == 1 {
		// A bare stem must look unmistakably random: "bootstrap5" is a name.
		if isHashCandidate(stem, 2) || hasDashedHash(stem) {
			return base
		}
		return ""
	}
	for _, part := range parts {
		if isHashCandidate(part, 1) || hasDashedHash(part) {
			return base
		}
	}
	return ""
}

// hasDashedHash reports whether part ends in "-{hash}".
func hasDashedHash(part string) bool {
	for i := 0; i < len(part); i++ {
		if part[i] == '-' && isHashCandidate(part[i+1:], 1) {
			return true
		}
	}
	return false
}

// isHashCandidate applies the stricter rule to dashed candidates so names
// like "jquery-3" in "jquery-3.6.0.min.js" stay unhashed.
func isHashCandidate(s string, minDigits int) bool {
	if strings.Contains(s, "-") {
		if len(s) != dashedHashLength {
			return false
		}
		minDigits = max(minDigits, 2)
	}
	return looksLikeHash(s, minDigits)
}

// looksLikeHash rejects plain words ("components", "polyfills"). A hash
// needs mixed case or at least minDigits digits.
func looksLikeHash(s string, minDigits int) bool {
	if !hashSegment.MatchString(s) {
		return false
	}
	var upper, lower, digits int
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper++
		case unicode.IsLower(r):
			lower++
		case unicode.IsDigit(r):
			digits++
		}
	}
	return (upper > 0 && lower > 0) || digits >= minDigits
}
