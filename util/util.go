/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Fri Dec 29 09:03:12 2017 mstenber
 * Last modified: Tue Aug  4 09:02:00 2026 wtools
 *
 */

package util

import "encoding/binary"

// ConcatBytes glues byte slices together in one allocation; the
// hash-sync path uses it to key per-block checksums by address.
func ConcatBytes(bytes ...[]byte) []byte {
	nl := 0
	for _, b := range bytes {
		nl += len(b)
	}
	r := make([]byte, 0, nl)
	for _, b := range bytes {
		r = append(r, b...)
	}
	return r
}

func Uint64Bytes(n uint64) []byte {
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, n)
	return nb
}

func IMin(i int, ints ...int) int {
	for _, v := range ints {
		if v < i {
			i = v
		}
	}
	return i
}

// IOr returns the first non-zero value, for flag/default fallback
// chains.
func IOr(ints ...int) int {
	for _, v := range ints {
		if v != 0 {
			return v
		}
	}
	return 0
}

// SOr returns the first non-empty string, for flag/env/default
// fallback chains.
func SOr(strings ...string) string {
	for _, v := range strings {
		if v != "" {
			return v
		}
	}
	return ""
}
