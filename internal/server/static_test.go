package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsAPIPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/v1/runs", true},
		{"/v1/runs/abc/charts/train-loss.png", true},
		{"/v1/selection", true},
		{"/v1/", true},
		{"/mcp", true},

		{"/", false},
		{"/runs/abc", false},
		{"/static/dashboard.css", false},
		{"/health", false},
		{"", false},
		{"/v1", false},     // Must have trailing slash to match /v1/ prefix.
		{"/v2/foo", false}, // Different API version is not recognized.
		{"/mcpserver", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := isAPIPath(tt.path); got != tt.want {
				t.Errorf("isAPIPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestStaticHandler(t *testing.T) {
	h := newStaticHandler()

	tests := []struct {
		path        string
		wantStatus  int
		wantType    string
		wantCaching bool
	}{
		{"/static/dashboard.css", http.StatusOK, "text/css", true},
		{"/static/dashboard.js", http.StatusOK, "javascript", true},
		{"/static/missing.css", http.StatusNotFound, "", false},
		{"/static/", http.StatusNotFound, "", false},
		{"/static/../templates/dashboard.html", http.StatusNotFound, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantType != "" && !strings.Contains(rec.Header().Get("Content-Type"), tt.wantType) {
				t.Errorf("Content-Type = %q, want it to contain %q", rec.Header().Get("Content-Type"), tt.wantType)
			}
			if tt.wantCaching && rec.Header().Get("Cache-Control") == "" {
				t.Error("expected Cache-Control header")
			}
		})
	}
}

func TestNotFoundHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	notFoundHandler(rec, httptest.NewRequest("GET", "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"NOT_FOUND"`) {
		t.Errorf("API 404 should use the JSON envelope, got %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	notFoundHandler(rec, httptest.NewRequest("GET", "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "NOT_FOUND") {
		t.Errorf("non-API 404 should be plain text, got %q", rec.Body.String())
	}
}
