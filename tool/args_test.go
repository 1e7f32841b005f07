package tool

import (
	"encoding/json"
	"testing"
)

func TestParseArgumentsAcceptsMap(t *testing.T) {
	in := map[string]any{"level": 42}
	got, err := ParseArguments(in)
	if err != nil {
		t.Fatalf("ParseArguments() error = %v", err)
	}
	if got["level"] != 42 {
		t.Fatalf("level = %v, want 42", got["level"])
	}
}

func TestParseArgumentsEmpty(t *testing.T) {
	for _, in := range []any{nil, "", "   ", json.RawMessage(nil)} {
		got, err := ParseArguments(in)
		if err != nil {
			t.Fatalf("ParseArguments(%#v) error = %v", in, err)
		}
		if len(got) != 0 {
			t.Fatalf("ParseArguments(%#v) = %v, want empty", in, got)
		}
	}
}

func TestParseArgumentsJSONString(t *testing.T) {
	got, err := ParseArguments(`{"city":"Paris","days":3}`)
	if err != nil {
		t.Fatalf("ParseArguments() error = %v", err)
	}
	if got["city"] != "Paris" || got["days"] != float64(3) {
		t.Fatalf("ParseArguments() = %v", got)
	}
}

func TestParseArgumentsRecoversAdjacentObjects(t *testing.T) {
	got, err := ParseArguments(`{"city":"Paris"}{"days":3}{"city":"Lyon"}`)
	if err != nil {
		t.Fatalf("ParseArguments() error = %v", err)
	}
	if got["city"] != "Lyon" {
		t.Fatalf("city = %v, want Lyon", got["city"])
	}
	if got["days"] != float64(3) {
		t.Fatalf("days = %v, want 3", got["days"])
	}
}

func TestParseArgumentsRejectsUnrecoverable(t *testing.T) {
	for _, in := range []string{"not json", "[1,2,3]", "null"} {
		_, err := ParseArguments(in)
		if err == nil {
			t.Fatalf("ParseArguments(%q) error = nil, want argument error", in)
		}
		if !IsCode(err, CodeArgument) {
			t.Fatalf("ParseArguments(%q) code = %q, want %q", in, ErrorCode(err), CodeArgument)
		}
	}
}

func TestParseArgumentsStruct(t *testing.T) {
	type payload struct {
		Level int `json:"level"`
	}
	got, err := ParseArguments(payload{Level: 7})
	if err != nil {
		t.Fatalf("ParseArguments() error = %v", err)
	}
	if got["level"] != float64(7) {
		t.Fatalf("level = %v, want 7", got["level"])
	}
}
