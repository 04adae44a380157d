// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

// Fuzz is a go-fuzz entry point exercising the components that parse
// untrusted byte streams handed across the metadata-service boundary: the
// method-header codec, the instruction scanner, and the exception-handler
// codec for any extra sections. Mirrors the teacher's Fuzz(data []byte) int
// shape in the original pe package.
func Fuzz(data []byte) int {
	parsed, err := ParseMethod(data)
	if err != nil {
		return 0
	}
	if _, err := Scan(parsed.Code); err != nil {
		return 0
	}
	if len(parsed.ExtraSections) > 0 {
		if _, err := ParseExtraSection(parsed.ExtraSections); err != nil {
			return 0
		}
	}
	return 1
}
