package feed

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/satellite-telemetry/internal/source"
	"github.com/signalsfoundry/satellite-telemetry/kb"
)

var (
	// ErrEmptyPath is returned when a watch request carries no path.
	ErrEmptyPath = errors.New("feed: empty path")
	// ErrStreamEnded is reported to subscribers when the server closes a
	// stream without an error status.
	ErrStreamEnded = errors.New("feed: stream ended")
)

// ToStatusError maps feed and source errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrEmptyPath),
		errors.Is(err, kb.ErrEmptyPath):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, source.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
