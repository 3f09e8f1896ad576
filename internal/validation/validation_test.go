package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
)

func TestValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"3f2a6c1e-8b7d-4e0f-9a1b-2c3d4e5f6a7b", true},
		{"", true}, // Required handles emptiness

		// Invalid cases
		{"not-a-uuid", false},
		{"3f2a6c1e-8b7d-4e0f-9a1b", false},
		{"'; DROP TABLE bounties; --", false},
	}

	for _, tc := range tests {
		valid := ValidID("id", tc.id)() == nil
		if valid != tc.valid {
			t.Errorf("ValidID(%q) valid=%v, want %v", tc.id, valid, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("title", "Fix the login bug"),
		PositiveAmount("amount", 5000),
		OneOf("fundingSource", "wallet", "wallet", "charge"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}
	if errors.Err("op") != nil {
		t.Error("Expected nil error for empty ValidationErrors")
	}

	// Test invalid input
	errors = Validate(
		Required("title", " "),
		PositiveAmount("amount", 0),
		OneOf("fundingSource", "crypto", "wallet", "charge"),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
	if !apperr.Is(errors.Err("op"), apperr.KindValidation) {
		t.Error("Expected a validation error kind")
	}
}

func TestPositiveAmount(t *testing.T) {
	for _, tc := range []struct {
		value int64
		valid bool
	}{
		{1, true},
		{500000, true},
		{0, false},
		{-100, false},
	} {
		valid := PositiveAmount("amount", tc.value)() == nil
		if valid != tc.valid {
			t.Errorf("PositiveAmount(%d) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestIdempotencyKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"create-escrow-42", "create-escrow-42", false},
		{"a:b.c_d", "a:b.c_d", false},
		{"has space", "", true},
		{strings.Repeat("k", 256), "", true},
	}
	for _, tc := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		if tc.header != "" {
			c.Request.Header.Set(IdempotencyHeader, tc.header)
		}
		got, err := IdempotencyKey(c)
		if (err != nil) != tc.wantErr {
			t.Errorf("IdempotencyKey(%q) err=%v, wantErr %v", tc.header, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("IdempotencyKey(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/bounties/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bounties/3f2a6c1e-8b7d-4e0f-9a1b-2c3d4e5f6a7b", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bounties/nope", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: got %d", w.Code)
	}
}
