package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCommErrorInterface(t *testing.T) {
	tests := []struct {
		name     string
		err      CommError
		wantCode int
		wantCat  Category
		wantSev  Severity
	}{
		{
			name:     "validation error",
			err:      ValidationError("test validation error"),
			wantCode: CodeValidationError,
			wantCat:  CategoryValidation,
			wantSev:  SeverityError,
		},
		{
			name:     "missing field",
			err:      MissingField("edge_device_id"),
			wantCode: CodeMissingField,
			wantCat:  CategoryValidation,
			wantSev:  SeverityError,
		},
		{
			name:     "connection failed",
			err:      ConnectionFailed("socket", "ws://server:8765/ws", fmt.Errorf("refused")),
			wantCode: CodeConnectionFailed,
			wantCat:  CategoryConnection,
			wantSev:  SeverityError,
		},
		{
			name:     "queue overflow",
			err:      QueueOverflow(10, 1, "m-1", "lprserver/cameras/cam1/detection"),
			wantCode: CodeQueueOverflow,
			wantCat:  CategoryQueue,
			wantSev:  SeverityWarning,
		},
		{
			name:     "max reconnect",
			err:      MaxReconnectExceeded("broker", 5, 5, fmt.Errorf("refused")),
			wantCode: CodeMaxReconnectExceeded,
			wantCat:  CategoryReconnect,
			wantSev:  SeverityCritical,
		},
		{
			name:     "no transports",
			err:      NoTransportsConfigured(),
			wantCode: CodeNoTransports,
			wantCat:  CategoryConfig,
			wantSev:  SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Code(); got != tt.wantCode {
				t.Errorf("Code() = %v, want %v", got, tt.wantCode)
			}
			if got := tt.err.Category(); got != tt.wantCat {
				t.Errorf("Category() = %v, want %v", got, tt.wantCat)
			}
			if got := tt.err.Severity(); got != tt.wantSev {
				t.Errorf("Severity() = %v, want %v", got, tt.wantSev)
			}
			if msg := tt.err.Error(); msg == "" {
				t.Error("Error() returned empty string")
			}
		})
	}
}

func TestErrorContext(t *testing.T) {
	err := ValidationError("test error")

	if ctx := err.Context(); ctx == nil {
		t.Fatal("Context() should never return nil")
	}

	withCtx := err.WithContext(&Context{
		MessageID: "m-1",
		DeviceID:  "cam-01",
		Transport: "broker",
		Timestamp: time.Now(),
	})

	if withCtx.Context().DeviceID != "cam-01" {
		t.Errorf("DeviceID = %q, want cam-01", withCtx.Context().DeviceID)
	}
	if err.Context().DeviceID != "" {
		t.Error("WithContext must not mutate the original error")
	}
}

func TestWithDetail(t *testing.T) {
	err := ValidationError("bad envelope").WithDetail("payload empty").WithDetail("no plate")

	if got := err.Details(); got != "payload empty; no plate" {
		t.Errorf("Details() = %q", got)
	}
	if !strings.Contains(err.Error(), "bad envelope: payload empty; no plate") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestErrorChain(t *testing.T) {
	root := fmt.Errorf("dial tcp: refused")
	send := SendFailed("socket", "m-1", root)
	wrapped := fmt.Errorf("dispatch: %w", send)

	if !stderrors.Is(wrapped, root) {
		t.Error("root cause should be reachable through the chain")
	}
	if !IsCategory(wrapped, CategorySend) {
		t.Error("IsCategory should see through fmt wrapping")
	}
	if !IsCode(wrapped, CodeSendFailure) {
		t.Error("IsCode should see through fmt wrapping")
	}
	if IsCommError(root) {
		t.Error("plain error must not be reported as CommError")
	}
	if CategoryOf(root) != CategoryInternal {
		t.Error("plain errors default to internal category")
	}
}

func TestToJSON(t *testing.T) {
	err := RejectedByPeer("request", "/api/detection", 422, "invalid plate")

	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}

	var decoded map[string]interface{}
	if jerr := json.Unmarshal(data, &decoded); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}

	if decoded["name"] != "RejectedByPeer" {
		t.Errorf("name = %v", decoded["name"])
	}
	if decoded["category"] != string(CategorySend) {
		t.Errorf("category = %v", decoded["category"])
	}
	payload, ok := decoded["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("data missing: %v", decoded)
	}
	if payload["status_code"] != float64(422) {
		t.Errorf("status_code = %v", payload["status_code"])
	}
	if payload["retryable"] != false {
		t.Error("4xx rejections are not retryable")
	}
}

func TestErrorCodeRegistry(t *testing.T) {
	for _, info := range ListErrorCodes() {
		if info.Name == "" {
			t.Errorf("code %d has no name", info.Code)
		}
		if GetErrorCodeCategory(info.Code) != info.Category {
			t.Errorf("code %d category mismatch", info.Code)
		}
	}

	if GetErrorCodeName(42) != "UnknownError" {
		t.Error("unknown code should map to UnknownError")
	}
	if !IsFatal(ConfigError("broker.url", "", "required when broker is enabled")) {
		t.Error("config errors are fatal")
	}
	if IsFatal(SendFailed("request", "m", nil)) {
		t.Error("send failures are not fatal")
	}
}
