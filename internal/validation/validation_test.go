package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txfeatures/internal/txn"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
		{"", 10, ""},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestEvent(t *testing.T) {
	tests := []struct {
		name      string
		ev        txn.Event
		wantField string
	}{
		{"valid", txn.Event{Entity: "4111", Timestamp: 10}, ""},
		{"zero timestamp is allowed", txn.Event{Entity: "4111"}, ""},
		{"missing entity", txn.Event{Timestamp: 10}, txn.FieldEntity},
		{"blank entity", txn.Event{Entity: "   ", Timestamp: 10}, txn.FieldEntity},
		{"negative timestamp", txn.Event{Entity: "4111", Timestamp: -1}, txn.FieldTimestamp},
		{"long merchant", txn.Event{Entity: "4111", Merchant: strings.Repeat("m", MaxStringLength+1)}, txn.FieldMerchant},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			errs := Event(tc.ev)
			if tc.wantField == "" {
				if len(errs) != 0 {
					t.Fatalf("expected no errors, got %v", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatalf("expected error on %s", tc.wantField)
			}
			if errs[0].Field != tc.wantField {
				t.Errorf("expected field %s, got %s", tc.wantField, errs[0].Field)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	ev := Sanitize(txn.Event{Entity: " 4111 ", Merchant: "fraud_Kirlin\x00 ", TxnID: strings.Repeat("x", 1000)})
	if ev.Entity != "4111" {
		t.Errorf("entity = %q", ev.Entity)
	}
	if ev.Merchant != "fraud_Kirlin" {
		t.Errorf("merchant = %q", ev.Merchant)
	}
	// Oversized ids stay oversized so Event rejects them instead of truncating silently.
	if len(Event(ev)) == 0 {
		t.Error("expected oversized txn id to be rejected")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("unexpected message %q", empty.Error())
	}
	errs := ValidationErrors{{Field: "cc_num", Message: "is required"}}
	if errs.Error() != "cc_num: is required" {
		t.Errorf("unexpected message %q", errs.Error())
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":1}`)))
	if w.Code != http.StatusOK {
		t.Errorf("small body: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: expected 413, got %d", w.Code)
	}
}
