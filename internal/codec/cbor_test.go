package codec

import (
	"bytes"
	"testing"
)

type tokenBody struct {
	AccessToken string `cbor:"accessToken"`
	ExpiresIn   int64  `cbor:"expiresIn"`
}

func TestDeterministicEncoding(t *testing.T) {
	a, err := Marshal(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := Marshal(map[string]any{"a": 2, "b": 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected identical bytes for equal maps: %x vs %x", a, b)
	}
}

func TestUnmarshalStruct(t *testing.T) {
	data, err := Marshal(tokenBody{AccessToken: "aoa-123", ExpiresIn: 3600})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got tokenBody
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.AccessToken != "aoa-123" || got.ExpiresIn != 3600 {
		t.Fatalf("unexpected decode %+v", got)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":     nil,
		"truncated": {0xa2, 0x61},
		"garbage":   []byte("not cbor at all"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			var got tokenBody
			if err := Unmarshal(data, &got); err == nil {
				t.Fatalf("expected error for %x", data)
			}
		})
	}
}

func TestAnyDecodesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", got)
	}
	if _, ok := m["nested"].(map[string]any); !ok {
		t.Fatalf("expected nested map[string]any, got %T", m["nested"])
	}
}
