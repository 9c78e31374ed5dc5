// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	if err := New("route", "s1", "127.0.0.1:9000", nil); err != nil {
		t.Errorf("Expected nil for nil cause, got %v", err)
	}

	err := New("create session", "s1", "127.0.0.1:9000", ErrSessionLimit)
	if !errors.Is(err, ErrSessionLimit) {
		t.Error("Expected RelayError to unwrap to ErrSessionLimit")
	}

	var re *RelayError
	if !As(err, &re) {
		t.Fatal("Expected *RelayError")
	}
	if re.Op != "create session" {
		t.Errorf("Expected op %q, got %q", "create session", re.Op)
	}
}

func TestRelayError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "with session",
			err:  New("send", "abc", "127.0.0.1:1", ErrPumpClosed),
			want: "send [abc] 127.0.0.1:1: pump closed",
		},
		{
			name: "without session",
			err:  New("send", "", "127.0.0.1:1", ErrPumpClosed),
			want: "send 127.0.0.1:1: pump closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Expected nil for nil error")
	}

	err := Wrap(ErrInvalidConfig, "listen_port")
	if !Is(err, ErrInvalidConfig) {
		t.Error("Expected wrapped error to match ErrInvalidConfig")
	}
	if !strings.HasPrefix(err.Error(), "listen_port: ") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
