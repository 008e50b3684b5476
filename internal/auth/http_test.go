// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, query tokens, optional auth and role gates

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		wantErr bool
	}{
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
		{"Bearer abc", "abc", false},
	}
	for _, tt := range tests {
		token, msg := extractBearerToken(tt.header)
		if token != tt.token || (msg != "") != tt.wantErr {
			t.Errorf("extractBearerToken(%q) = %q, %q", tt.header, token, msg)
		}
	}
}

func capture(got **Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := mustVerifier(t, testSecret)
	token, _ := verifier.Generate(Principal{ID: "admin-1", Name: "Alice"}, time.Hour)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantID     string
	}{
		{"header token", "Bearer " + token, "", http.StatusOK, "admin-1"},
		{"query token", "", "?token=" + token, http.StatusOK, "admin-1"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Principal
			req := httptest.NewRequest(http.MethodGet, "/api/chats"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			HTTPAuthMiddleware(verifier)(capture(&got)).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantID != "" && (got == nil || got.ID != tt.wantID) {
				t.Errorf("principal = %+v, want id %q", got, tt.wantID)
			}
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	verifier := mustVerifier(t, testSecret)
	token, _ := verifier.Generate(Principal{ID: "user-1", Role: RoleUser}, time.Hour)

	var got *Principal
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	OptionalAuthMiddleware(verifier)(capture(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got != nil {
		t.Errorf("anonymous request: status %d, principal %+v", rec.Code, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	OptionalAuthMiddleware(verifier)(capture(&got)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got != nil {
		t.Errorf("bad token: status %d, principal %+v", rec.Code, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	OptionalAuthMiddleware(verifier)(capture(&got)).ServeHTTP(rec, req)
	if got == nil || got.Role != RoleUser {
		t.Errorf("valid token: principal %+v", got)
	}
}

func TestRoleGates(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name      string
		principal *Principal
		gate      func(http.Handler) http.Handler
		want      int
	}{
		{"operator gate anonymous", nil, RequireOperatorHTTP(), http.StatusUnauthorized},
		{"operator gate user", &Principal{ID: "u", Role: RoleUser}, RequireOperatorHTTP(), http.StatusForbidden},
		{"operator gate operator", &Principal{ID: "a", Role: RoleOperator}, RequireOperatorHTTP(), http.StatusOK},
		{"super gate operator", &Principal{ID: "a", Role: RoleOperator}, RequireSuperAdminHTTP(), http.StatusForbidden},
		{"super gate super", &Principal{ID: "a", Role: RoleOperator, SuperAdmin: true}, RequireSuperAdminHTTP(), http.StatusOK},
		{"super gate anonymous", nil, RequireSuperAdminHTTP(), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(context.Background(), tt.principal))
			}
			rec := httptest.NewRecorder()
			tt.gate(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext should panic without a principal")
		}
	}()
	MustFromContext(context.Background())
}
