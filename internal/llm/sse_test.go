// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestSSEScanner(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single", "data: hello\n\n", []string{"hello"}},
		{"no space after colon", "data:hello\n\n", []string{"hello"}},
		{"multi line data", "data: a\ndata: b\n\n", []string{"a\nb"}},
		{"crlf", "data: x\r\n\r\n", []string{"x"}},
		{"comments skipped", ": OPENROUTER PROCESSING\n\ndata: y\n\n", []string{"y"}},
		{"missing final blank line", "data: one\n\ndata: two", []string{"one", "two"}},
		{"done sentinel", "data: {\"a\":1}\n\ndata: [DONE]\n\n", []string{`{"a":1}`, "[DONE]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := NewSSEScanner(strings.NewReader(tt.input))
			var got []string
			for sc.Next() {
				got = append(got, string(sc.Event().Data))
			}
			if err := sc.Err(); err != nil {
				t.Fatalf("Err() = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("events = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSSEScanner_EventField(t *testing.T) {
	sc := NewSSEScanner(strings.NewReader("event: usage\nid: 7\ndata: {}\n\n"))
	if !sc.Next() {
		t.Fatal("Next() = false")
	}
	ev := sc.Event()
	if ev.Event != "usage" || ev.ID != "7" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSSEScanner_TooLarge(t *testing.T) {
	big := "data: " + strings.Repeat("x", MaxEventSize+1) + "\n\n"
	sc := NewSSEScanner(strings.NewReader(big))
	if sc.Next() {
		t.Fatal("Next() = true for oversized event")
	}
	if !errors.Is(sc.Err(), ErrEventTooLarge) {
		t.Errorf("Err() = %v, want ErrEventTooLarge", sc.Err())
	}
}

func TestSSEScanner_LineTooLong(t *testing.T) {
	// A field the scanner never accumulates is still bounded per line.
	long := ": " + strings.Repeat("k", 2*MaxEventSize) + "\n" + "data: late\n\n"
	sc := NewSSEScanner(strings.NewReader(long))
	if sc.Next() {
		t.Fatalf("Next() = true, event %+v", sc.Event())
	}
	if !errors.Is(sc.Err(), ErrEventTooLarge) {
		t.Errorf("Err() = %v, want ErrEventTooLarge", sc.Err())
	}
}
