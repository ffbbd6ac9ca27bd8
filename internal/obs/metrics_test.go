package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/vault":                       "/v1/vault",
		"/v1/vault/guardians/abc":         "/v1/vault/guardians/:id",
		"/v1/vault/beneficiaries/abc":     "/v1/vault/beneficiaries/:id",
		"/v1/recovery/abc/approve":        "/v1/recovery/:id/approve",
		"/v1/recovery/abc/withdraw":       "/v1/recovery/:id/withdraw",
		"/v1/recovery/abc/extra":          "/v1/recovery/abc/extra",
		"/v1/vault/checkin?source=mobile": "/v1/vault/checkin",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
