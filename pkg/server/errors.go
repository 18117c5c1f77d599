package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"handoff/pkg/directory"
	"handoff/pkg/record"
)

// toStatus maps directory errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case record.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case directory.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, directory.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func invalidLabel() error {
	return status.Error(codes.InvalidArgument, "label cannot be empty")
}
