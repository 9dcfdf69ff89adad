package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("test error")
	if err == nil {
		t.Fatal("New() returned nil")
	}

	if !strings.Contains(err.Error(), "test error") {
		t.Errorf("Expected error message to contain 'test error', got: %s", err.Error())
	}

	if err.Location() == "" {
		t.Error("Location should not be empty")
	}
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := Wrap(baseErr, "wrapped")

	if err == nil {
		t.Fatal("Wrap() returned nil")
	}

	if !strings.Contains(err.Error(), "wrapped") {
		t.Errorf("Expected error message to contain 'wrapped', got: %s", err.Error())
	}

	if !strings.Contains(err.Error(), "base error") {
		t.Errorf("Expected error message to contain 'base error', got: %s", err.Error())
	}

	unwrapped := errors.Unwrap(err)
	if unwrapped != baseErr {
		t.Errorf("Unwrap() returned wrong error: %v", unwrapped)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "message") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWithField(t *testing.T) {
	err := New("test error").WithField("key", "value")

	fields := err.GetFields()
	if len(fields) != 1 {
		t.Fatalf("Expected 1 field, got %d", len(fields))
	}

	if fields["key"] != "value" {
		t.Errorf("Expected field['key'] = 'value', got: %v", fields["key"])
	}
}

func TestWithFields(t *testing.T) {
	fields := map[string]interface{}{
		"session_id": "abc",
		"attempt":    3,
	}

	err := New("test error").WithFields(fields)

	errFields := err.GetFields()
	if len(errFields) != 2 {
		t.Fatalf("Expected 2 fields, got %d", len(errFields))
	}

	if errFields["session_id"] != "abc" {
		t.Errorf("Expected field['session_id'] = 'abc', got: %v", errFields["session_id"])
	}

	if errFields["attempt"] != 3 {
		t.Errorf("Expected field['attempt'] = 3, got: %v", errFields["attempt"])
	}
}

func TestWithCode(t *testing.T) {
	err := New("test error").WithCode("TEST_CODE")

	if err.GetCode() != "TEST_CODE" {
		t.Errorf("Expected code 'TEST_CODE', got: %s", err.GetCode())
	}
}

func TestErrorIs(t *testing.T) {
	sessionErr := NewSessionNotFound("sess-123")
	if !errors.Is(sessionErr, ErrSessionNotFound) {
		t.Error("errors.Is() should return true for ErrSessionNotFound")
	}

	deviceErr := NewDeviceUnavailable("default")
	if !errors.Is(deviceErr, ErrDeviceUnavailable) {
		t.Error("errors.Is() should return true for ErrDeviceUnavailable")
	}

	wrapped := Wrap(ErrChannelNotOpen, "send dropped")
	if !errors.Is(wrapped, ErrChannelNotOpen) {
		t.Error("errors.Is() should return true for wrapped ErrChannelNotOpen")
	}
}

func TestErrorAs(t *testing.T) {
	err := New("test error").WithCode("TEST_CODE")

	var structErr *Error
	if !errors.As(err, &structErr) {
		t.Error("errors.As() should successfully cast to *Error")
	}

	if structErr.GetCode() != "TEST_CODE" {
		t.Errorf("Expected code 'TEST_CODE', got: %s", structErr.GetCode())
	}
}

func TestSessionNotFoundFields(t *testing.T) {
	err := NewSessionNotFound("sess-123")

	fields := err.GetFields()
	if fields["session_id"] != "sess-123" {
		t.Errorf("Expected session_id field, got: %v", fields)
	}

	if err.GetCode() != "SESSION_NOT_FOUND" {
		t.Errorf("Expected code SESSION_NOT_FOUND, got: %s", err.GetCode())
	}
}

func TestHelperFunctions(t *testing.T) {
	if !IsErrorType(NewSessionNotFound("x"), ErrSessionNotFound) {
		t.Error("IsErrorType should match sentinel")
	}

	err := New("coded").WithCode("C1").WithField("k", "v")
	if GetErrorCode(err) != "C1" {
		t.Errorf("GetErrorCode mismatch: %s", GetErrorCode(err))
	}
	if GetErrorFields(err)["k"] != "v" {
		t.Errorf("GetErrorFields mismatch: %v", GetErrorFields(err))
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Error("GetErrorCode on plain error should be empty")
	}

	if GetErrorLocation(err) == "" {
		t.Error("GetErrorLocation should not be empty for structured error")
	}
}

func TestAsJSON(t *testing.T) {
	err := New("boom").WithCode("BOOM").WithField("session_id", "s1")

	m := err.AsJSON()
	if m["code"] != "BOOM" {
		t.Errorf("Expected code BOOM in JSON map, got: %v", m["code"])
	}
	if m["message"] == "" {
		t.Error("Expected message in JSON map")
	}
	ctx, ok := m["context"].(map[string]interface{})
	if !ok || ctx["session_id"] != "s1" {
		t.Errorf("Expected context with session_id, got: %v", m["context"])
	}
}
