package grpcutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNotFoundError(t *testing.T) {
	err := NotFoundError("service", "123")

	s, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected gRPC status error")
	}

	if s.Code() != codes.NotFound {
		t.Errorf("Code() = %v, want %v", s.Code(), codes.NotFound)
	}

	if s.Message() != "service not found: 123" {
		t.Errorf("Message() = %v, want %v", s.Message(), "service not found: 123")
	}
}

func TestInvalidArgumentError(t *testing.T) {
	err := InvalidArgumentError("duration.step", "unknown step \"WEEK\"")

	s, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected gRPC status error")
	}

	if s.Code() != codes.InvalidArgument {
		t.Errorf("Code() = %v, want %v", s.Code(), codes.InvalidArgument)
	}

	if s.Message() != "invalid duration.step: unknown step \"WEEK\"" {
		t.Errorf("Message() = %v, want %v", s.Message(), "invalid duration.step: unknown step \"WEEK\"")
	}
}

func TestFailedPreconditionError(t *testing.T) {
	err := FailedPreconditionError("span ingestion requires the memory storage backend")

	s, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected gRPC status error")
	}

	if s.Code() != codes.FailedPrecondition {
		t.Errorf("Code() = %v, want %v", s.Code(), codes.FailedPrecondition)
	}

	if s.Message() != "span ingestion requires the memory storage backend" {
		t.Errorf("Message() = %v, want %v", s.Message(), "span ingestion requires the memory storage backend")
	}
}

func TestInternalError(t *testing.T) {
	originalErr := errors.New("database connection failed")
	err := InternalError(originalErr)

	s, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected gRPC status error")
	}

	if s.Code() != codes.Internal {
		t.Errorf("Code() = %v, want %v", s.Code(), codes.Internal)
	}

	if s.Message() != "internal error: database connection failed" {
		t.Errorf("Message() = %v, want %v", s.Message(), "internal error: database connection failed")
	}
}

func TestUnavailableError(t *testing.T) {
	err := UnavailableError("metric-store")

	s, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected gRPC status error")
	}

	if s.Code() != codes.Unavailable {
		t.Errorf("Code() = %v, want %v", s.Code(), codes.Unavailable)
	}

	if s.Message() != "metric-store is temporarily unavailable" {
		t.Errorf("Message() = %v, want %v", s.Message(), "metric-store is temporarily unavailable")
	}
}

func TestContextError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"wrapped deadline", fmt.Errorf("query apdex_satisfied: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(ContextError(tt.err)); got != tt.want {
				t.Errorf("status.Code(ContextError(%v)) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		err := WrapError(nil, "context")
		if err != nil {
			t.Errorf("WrapError(nil, ...) = %v, want nil", err)
		}
	})

	t.Run("regular error", func(t *testing.T) {
		originalErr := errors.New("original error")
		err := WrapError(originalErr, "failed to %s", "process")

		s, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if s.Code() != codes.Internal {
			t.Errorf("Code() = %v, want %v", s.Code(), codes.Internal)
		}

		expected := "failed to process: original error"
		if s.Message() != expected {
			t.Errorf("Message() = %v, want %v", s.Message(), expected)
		}
	})

	t.Run("gRPC status error", func(t *testing.T) {
		originalErr := NotFoundError("item", "456")
		err := WrapError(originalErr, "failed to retrieve")

		s, ok := status.FromError(err)
		if !ok {
			t.Fatal("expected gRPC status error")
		}

		if s.Code() != codes.NotFound {
			t.Errorf("Code() = %v, want %v (should preserve original code)", s.Code(), codes.NotFound)
		}

		expected := "failed to retrieve: item not found: 456"
		if s.Message() != expected {
			t.Errorf("Message() = %v, want %v", s.Message(), expected)
		}
	})
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found error", NotFoundError("x", "1"), true},
		{"internal error", InternalError(errors.New("test")), false},
		{"regular error", errors.New("test"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsInvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid argument error", InvalidArgumentError("x", "bad"), true},
		{"internal error", InternalError(errors.New("test")), false},
		{"regular error", errors.New("test"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsInvalidArgument(tt.err); got != tt.want {
				t.Errorf("IsInvalidArgument() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable error", UnavailableError("svc"), true},
		{"internal error", InternalError(errors.New("test")), false},
		{"regular error", errors.New("test"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUnavailable(tt.err); got != tt.want {
				t.Errorf("IsUnavailable() = %v, want %v", got, tt.want)
			}
		})
	}
}
