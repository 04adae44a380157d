// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

import (
	"golang.org/x/text/encoding/unicode"
)

// DecodeUserString decodes a metadata #US-heap-style UTF-16LE string.
// System.String literals are stored UTF-16 in metadata; the tokenizer
// facade's GetStringToken decodes its own encoding with this as a
// round-trip check before minting a user-string token.
func DecodeUserString(b []byte) (string, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := decoder.Bytes(b)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// EncodeUserString encodes s as UTF-16LE, the format the #US heap and
// DefineUserString both expect.
func EncodeUserString(s string) ([]byte, error) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	return encoder.Bytes([]byte(s))
}
