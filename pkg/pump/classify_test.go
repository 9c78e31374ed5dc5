// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errKind
	}{
		{"closed socket", net.ErrClosed, kindFatal},
		{"wrapped closed socket", &net.OpError{Op: "read", Net: "udp", Err: net.ErrClosed}, kindFatal},
		{"timeout", &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}, kindTransient},
		{"deadline exceeded", os.ErrDeadlineExceeded, kindTransient},
		{"unknown", errors.New("permission revoked"), kindFatal},
		{"wrapped unknown", fmt.Errorf("write: %w", errors.New("boom")), kindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
