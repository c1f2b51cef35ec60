package canonical

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestMarshalSortsKeysAndDropsWhitespace(t *testing.T) {
	in := map[string]any{
		"b": 1,
		"a": []any{true, nil, "x"},
		"c": map[string]any{"z": 1.5, "y": "é"},
	}
	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"a":[true,null,"x"],"b":1,"c":{"y":"é","z":1.5}}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestMarshalNumbers(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{in: 1.0, want: "1"},
		{in: -0.0, want: "0"},
		{in: 2.50, want: "2.5"},
		{in: int64(42), want: "42"},
		{in: uint8(7), want: "7"},
		{in: 1e-7, want: "1e-7"},
		{in: json.Number("10"), want: "10"},
		{in: json.Number("3.140"), want: "3.14"},
		{in: json.Number("123456789012345678901234567890"), want: "123456789012345678901234567890"},
	}
	for _, tt := range tests {
		got, err := Marshal(tt.in)
		if err != nil {
			t.Fatalf("marshal %v: %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Fatalf("marshal %v: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	got, err := Marshal("<a&b>")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != `"<a&b>"` {
		t.Fatalf("unexpected encoding: %s", got)
	}
}

func TestMarshalStructHonorsTags(t *testing.T) {
	type row struct {
		Seq  int     `json:"seq"`
		Hash string  `json:"hash,omitempty"`
		Prev *string `json:"prev_hash"`
	}
	got, err := Marshal(row{Seq: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(got) != `{"prev_hash":null,"seq":1}` {
		t.Fatalf("unexpected encoding: %s", got)
	}
}

func TestMarshalRejectsUnserializable(t *testing.T) {
	cases := map[string]any{
		"nan":        math.NaN(),
		"inf":        math.Inf(1),
		"set":        map[int]bool{1: true},
		"func":       func() {},
		"chan":       make(chan int),
		"bytes":      []byte("x"),
		"nested nan": map[string]any{"x": []any{math.NaN()}},
	}
	for name, value := range cases {
		if _, err := Marshal(value); !errors.Is(err, ErrUnserializable) {
			t.Fatalf("%s: expected ErrUnserializable, got %v", name, err)
		}
	}
}

func TestCanonicalRoundTripIsStable(t *testing.T) {
	in := map[string]any{
		"seq":    3,
		"record": map[string]any{"kind": "router_decision", "attempts": 2, "ratio": 0.25},
		"list":   []any{"b", "a"},
	}
	first, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var parsed any
	if err := json.Unmarshal(first, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	second, err := Marshal(parsed)
	if err != nil {
		t.Fatalf("marshal parsed: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("round trip changed bytes:\n%s\n%s", first, second)
	}
}

func TestHashAndEqual(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2}
	b := map[string]any{"y": 2.0, "x": 1}

	eq, err := Equal(a, b)
	if err != nil {
		t.Fatalf("equal: %v", err)
	}
	if !eq {
		t.Fatalf("expected maps to be canonically equal")
	}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, _ := Hash(b)
	if ha != hb || len(ha) != 64 {
		t.Fatalf("expected equal 64-char hashes, got %q %q", ha, hb)
	}
}
