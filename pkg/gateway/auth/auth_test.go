package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func testManager() *Manager {
	return NewManager("unit-test-secret-0123456789abcdef", "nova-gateway", "nova")
}

func TestMintAndValidate_RoundTrip(t *testing.T) {
	m := testManager()

	token, err := m.Mint("dr-serrano", "serrano@cabohealth.example", "Dra. Serrano", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	p, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if p.OwnerID != "dr-serrano" {
		t.Fatalf("OwnerID = %q", p.OwnerID)
	}
	if p.Email != "serrano@cabohealth.example" || p.Name != "Dra. Serrano" {
		t.Fatalf("principal = %+v", p)
	}
}

func TestValidate_RejectsExpired(t *testing.T) {
	m := testManager()
	m.now = func() time.Time { return time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC) }
	token, err := m.Mint("dr-serrano", "", "", time.Minute)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	m.now = func() time.Time { return time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC) }
	if _, err := m.Validate(token); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestValidate_RejectsWrongSecret(t *testing.T) {
	token, err := testManager().Mint("dr-serrano", "", "", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	other := NewManager("a-different-secret-0123456789abcd", "nova-gateway", "nova")
	if _, err := other.Validate(token); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestValidate_RejectsWrongIssuerOrAudience(t *testing.T) {
	token, err := NewManager("unit-test-secret-0123456789abcdef", "someone-else", "nova").
		Mint("dr-serrano", "", "", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := testManager().Validate(token); err == nil {
		t.Fatal("expected issuer error")
	}

	token, err = NewManager("unit-test-secret-0123456789abcdef", "nova-gateway", "other-app").
		Mint("dr-serrano", "", "", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := testManager().Validate(token); err == nil {
		t.Fatal("expected audience error")
	}
}

func TestValidate_RejectsEmptySubject(t *testing.T) {
	token, err := testManager().Mint("", "", "", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := testManager().Validate(token); err == nil {
		t.Fatal("expected subject error")
	}
}

func TestValidate_RejectsGarbage(t *testing.T) {
	if _, err := testManager().Validate("not.a.jwt"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := testManager().Validate(""); err == nil {
		t.Fatal("expected empty-token error")
	}
}

func TestParseBearer(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer tok_123", "tok_123", true},
		{"padded token", "Bearer  tok_123 ", "tok_123", true},
		{"missing", "", "", false},
		{"wrong scheme", "Basic dXNlcg==", "", false},
		{"empty token", "Bearer   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, ok := ParseBearer(r)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ParseBearer() = %q, %v; want %q, %v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestPrincipalContext_RoundTrip(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if _, ok := PrincipalFrom(r.Context()); ok {
		t.Fatal("unexpected principal on bare context")
	}
	ctx := WithPrincipal(r.Context(), &Principal{OwnerID: "dr-serrano"})
	p, ok := PrincipalFrom(ctx)
	if !ok || p.OwnerID != "dr-serrano" {
		t.Fatalf("got %+v, %v", p, ok)
	}
}
