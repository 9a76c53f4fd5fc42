package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sagewell/carebook-platform/pkg/logging"
)

func TestRequestLoggerRecordsStatusAndDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var line struct {
		Msg    string `json:"msg"`
		Method string `json:"method"`
		Path   string `json:"path"`
		Status int    `json:"status"`
		Bytes  int    `json:"bytes"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line.Msg != "request" || line.Method != http.MethodPost || line.Path != "/api/v1/bookings" {
		t.Fatalf("unexpected log line: %+v", line)
	}
	if line.Status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", line.Status)
	}
	if line.Bytes == 0 {
		t.Fatal("bytes written not recorded")
	}
}
