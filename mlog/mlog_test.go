/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 30 14:31:18 2017 mstenber
 * Last modified: Tue Aug  4 08:58:00 2026 wtools
 *
 */

package mlog

import (
	"bytes"
	"log"
	"testing"

	"github.com/stvp/assert"
)

func TestPatternGatesOutput(t *testing.T) {
	add := func(pattern string, outputted bool) {
		t.Run(pattern, func(t *testing.T) {
			var b bytes.Buffer
			logger := log.New(&b, "", 0)
			defer SetLogger(logger)()
			defer SetPattern(pattern)()
			Printf2("fullsync/fullsync", "sent %s", "chunk")
			assert.True(t, len(b.Bytes()) == 0 == !outputted)
			if outputted {
				assert.Equal(t, string(b.Bytes()), "sent chunk\n")
			}

		})
	}
	add("", false)
	add("wdifftransfer", false)
	add("fullsync", true)
}

func TestDepthIndentation(t *testing.T) {
	var b bytes.Buffer
	logger := log.New(&b, "", 0)
	Reset()
	defer SetLogger(logger)()
	defer SetPattern(".")()
	Printf2("x", "d0")
	func() {
		Printf2("x", "d1")
		func() {
			Printf2("x", "d2")
		}()
		Printf2("x", "D1")
	}()
	Printf2("x", "D0")
	assert.Equal(t, string(b.Bytes()), "d0\n.d1\n..d2\n.D1\nD0\n")
}

func BenchmarkPrintfDisabled(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Printf("x")
	}
}

func BenchmarkPrintf2NotMatching(b *testing.B) {
	defer SetPattern("nosuchtag")()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Printf2("queue/queue", "push %d", 42)
	}
}
