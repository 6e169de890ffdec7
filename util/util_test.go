/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Fri Dec 29 09:04:44 2017 mstenber
 * Last modified: Tue Aug  4 09:06:00 2026 wtools
 *
 */

package util

import (
	"testing"

	"github.com/stvp/assert"
)

func TestConcatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ConcatBytes(Uint64Bytes(7), []byte("block")), append(Uint64Bytes(7), []byte("block")...))
	assert.Equal(t, ConcatBytes(), []byte{})
}

func TestFallbackHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, IOr(0, 4096), 4096)
	assert.Equal(t, IOr(64, 4096), 64)
	assert.Equal(t, SOr("", ":16000"), ":16000")
	assert.Equal(t, SOr(":12345", ":16000"), ":12345")
	assert.Equal(t, IMin(4096, 100), 100)
}
