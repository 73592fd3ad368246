// Copyright 2026 The USVFS Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type samplePayload struct {
	Origin   string `cbor:"origin"`
	Priority int    `cbor:"priority,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	original := samplePayload{Origin: "C:\\mods\\texture.dds", Priority: 3}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded samplePayload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip: got %+v, want %+v", decoded, original)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	t.Parallel()
	value := map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same value produced different encodings")
	}
}

func TestDecodeIntoAny(t *testing.T) {
	t.Parallel()
	data, err := Marshal(map[string]any{"origin": "mod-a"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var value any
	if err := Unmarshal(data, &value); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	mapping, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", value)
	}
	if mapping["origin"] != "mod-a" {
		t.Errorf("origin: got %v, want mod-a", mapping["origin"])
	}
}

func TestDiagnose(t *testing.T) {
	t.Parallel()
	data, err := Marshal("payload")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if notation != `"payload"` {
		t.Errorf("Diagnose: got %s, want %q", notation, `"payload"`)
	}
}
