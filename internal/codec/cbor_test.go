package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Zeta  uint64            `cbor:"zeta"`
	Alpha string            `cbor:"alpha"`
	Tags  map[string]uint32 `cbor:"tags"`
	Extra *uint64           `cbor:"extra,omitempty"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{Zeta: 1, Alpha: "a", Tags: map[string]uint32{"b": 2, "a": 1, "c": 3}}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic across calls")
		}
	}
}

func TestUnmarshal_IgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"alpha": "x", "future": []int{1, 2}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got sample
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Alpha != "x" {
		t.Errorf("Alpha = %q, want x", got.Alpha)
	}
	if got.Extra != nil {
		t.Error("absent optional field must stay nil")
	}
}

func TestUnmarshal_AnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"k": map[string]any{"nested": 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", got)
	}
	if _, ok := outer["k"].(map[string]any); !ok {
		t.Fatalf("expected nested map[string]any, got %T", outer["k"])
	}
}

func TestCodec_Name(t *testing.T) {
	if (Codec{}).Name() != "cbor" {
		t.Fatalf("unexpected codec name %q", (Codec{}).Name())
	}
}
