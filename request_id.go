/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"github.com/rs/xid"
	"google.golang.org/grpc/metadata"
)

const headerRequestIDKey = "x-request-id"

const callValueRequestIDKey = "request_id"

// requestIDOptions represents options for RequestIDPreCallHandler.
type requestIDOptions struct {
	GenerateID func() string
}

// RequestIDOption is a function type for configuring requestIDOptions.
type RequestIDOption func(*requestIDOptions)

func newID() string {
	return xid.New().String()
}

// WithRequestIDGenerator sets the function for generating request IDs.
func WithRequestIDGenerator(generator func() string) RequestIDOption {
	return func(opts *requestIDOptions) {
		opts.GenerateID = generator
	}
}

// RequestIDPreCallHandler returns a pre-call handler that extracts the request ID from
// the inbound call metadata, generating a new one if it's missing. The ID is set
// as a response header and stored as a per-call annotation (see GetRequestIDFromCall),
// so the post-call handlers of the same call can use it.
func RequestIDPreCallHandler(options ...RequestIDOption) PreCallHandler {
	opts := requestIDOptions{GenerateID: newID}
	for _, option := range options {
		option(&opts)
	}

	return func(call Call) error {
		var requestID string
		if requestIDList := call.Metadata().Get(headerRequestIDKey); len(requestIDList) > 0 {
			requestID = requestIDList[0]
		}
		if requestID == "" {
			requestID = opts.GenerateID()
		}
		call.SetValue(callValueRequestIDKey, requestID)
		return call.SetHeader(metadata.Pairs(headerRequestIDKey, requestID))
	}
}

// GetRequestIDFromCall extracts the request ID assigned by RequestIDPreCallHandler.
// Returns an empty string if the handler is not installed or has not run for this call.
func GetRequestIDFromCall(call Call) string {
	requestID, _ := call.Value(callValueRequestIDKey).(string)
	return requestID
}
