package logger

import (
	"net/http"
	"testing"
)

func TestMaskCardNumber(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"full pan", "4111111111111111", "****1111"},
		{"pan with spaces", "4111 1111 1111 1234", "****1234"},
		{"too short", "411111", "****"},
		{"empty", "", "****"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MaskCardNumber(tc.input); got != tc.want {
				t.Fatalf("MaskCardNumber(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("sk_live_abcdef123456"); got != "****3456" {
		t.Fatalf("expected ****3456, got %q", got)
	}
	if got := MaskSecret("abc"); got != "****abc" {
		t.Fatalf("expected ****abc, got %q", got)
	}
	if got := MaskSecret("  "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestMaskJSONMasksNestedSensitiveKeys(t *testing.T) {
	input := map[string]any{
		"amount": int64(2999),
		"payment": map[string]any{
			"card_number": "4111111111111111",
			"cvv":         "123",
		},
		"api_key": "sk_test_secret99",
	}

	out := MaskJSON(input)
	payment, ok := out["payment"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", out["payment"])
	}
	if payment["card_number"] != "****1111" {
		t.Fatalf("card_number not masked: %v", payment["card_number"])
	}
	if payment["cvv"] != "****123" {
		t.Fatalf("cvv not masked: %v", payment["cvv"])
	}
	if out["api_key"] != "****et99" {
		t.Fatalf("api_key not masked: %v", out["api_key"])
	}
	if out["amount"] != int64(2999) {
		t.Fatalf("amount should pass through, got %v", out["amount"])
	}
	if input["api_key"] != "sk_test_secret99" {
		t.Fatalf("input mutated: %v", input["api_key"])
	}
}

func TestMaskHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk_live_token9876")
	headers.Set("Content-Type", "application/json")

	masked := MaskHeaders(headers)
	if masked["Authorization"] != "Bearer ****9876" {
		t.Fatalf("authorization not masked: %q", masked["Authorization"])
	}
	if masked["Content-Type"] != "application/json" {
		t.Fatalf("content type altered: %q", masked["Content-Type"])
	}
}
