/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-appkit/log"
)

const headerUserAgentKey = "user-agent"

const defaultSlowCallThreshold = 1 * time.Second

// LoggingOption represents a configuration option for the logging handlers.
type LoggingOption func(*loggingOptions)

type loggingOptions struct {
	callStart         bool
	callHeaders       map[string]string
	excludedMethods   []string
	slowCallThreshold time.Duration
}

// WithLoggingCallStart enables logging of call start events.
func WithLoggingCallStart(logCallStart bool) LoggingOption {
	return func(opts *loggingOptions) {
		opts.callStart = logCallStart
	}
}

// WithLoggingCallHeaders specifies custom headers to log from gRPC metadata.
func WithLoggingCallHeaders(headers map[string]string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.callHeaders = headers
	}
}

// WithLoggingExcludedMethods specifies gRPC methods to exclude from logging.
func WithLoggingExcludedMethods(methods ...string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.excludedMethods = append(opts.excludedMethods, methods...)
	}
}

// WithLoggingSlowCallThreshold sets the threshold for slow call detection.
func WithLoggingSlowCallThreshold(threshold time.Duration) LoggingOption {
	return func(opts *loggingOptions) {
		opts.slowCallThreshold = threshold
	}
}

// LoggingHandlers returns a pre-call and a post-call handler pair that logs the start
// (opt-in, see WithLoggingCallStart) and the end of each gRPC call.
// Both handlers are built from the same options and are supposed to be installed together.
func LoggingHandlers(logger log.FieldLogger, options ...LoggingOption) (PreCallHandler, PostCallHandler) {
	opts := &loggingOptions{slowCallThreshold: defaultSlowCallThreshold}
	for _, option := range options {
		option(opts)
	}

	preCall := func(call Call) error {
		if !opts.callStart || isMethodExcluded(call.FullMethod(), opts.excludedMethods) {
			return nil
		}
		logger.Info("gRPC call started", buildCallInfoLogFields(call, opts)...)
		return nil
	}

	postCall := func(callErr error, call Call) {
		grpcCode := status.Code(callErr)
		if isMethodExcluded(call.FullMethod(), opts.excludedMethods) && grpcCode == codes.OK {
			return // log excluded methods only if they fail
		}
		duration := time.Since(call.StartTime())
		logFields := buildCallInfoLogFields(call, opts)
		logFields = append(logFields,
			log.String("grpc_code", grpcCode.String()),
			log.Int64("duration_ms", duration.Milliseconds()),
		)
		if callErr != nil {
			logFields = append(logFields, log.String("grpc_error", callErr.Error()))
		}
		if duration >= opts.slowCallThreshold {
			logFields = append(logFields, log.Bool("slow_call", true))
		}
		logger.Info(fmt.Sprintf("gRPC call finished in %.3fs", duration.Seconds()), logFields...)
	}

	return preCall, postCall
}

func buildCallInfoLogFields(call Call, opts *loggingOptions) []log.Field {
	service, method := splitFullMethodName(call.FullMethod())
	var remoteAddr string
	var remoteAddrIP string
	var remoteAddrPort uint16
	if p, ok := peer.FromContext(call.Context()); ok {
		remoteAddr = p.Addr.String()
		if addrIP, addrPort, err := net.SplitHostPort(remoteAddr); err == nil {
			remoteAddrIP = addrIP
			if port, pErr := strconv.ParseUint(addrPort, 10, 16); pErr == nil {
				remoteAddrPort = uint16(port)
			}
		}
	}

	md := call.Metadata()
	var userAgent string
	if userAgentList := md.Get(headerUserAgentKey); len(userAgentList) > 0 {
		userAgent = userAgentList[0]
	}

	logFields := make([]log.Field, 0, 8)
	logFields = append(
		logFields,
		log.String("grpc_service", service),
		log.String("grpc_method", method),
		log.String("grpc_method_type", string(call.MethodType())),
		log.String("remote_addr", remoteAddr),
		log.String("user_agent", userAgent),
		log.String("request_id", requestIDForLogging(call, md)),
	)

	if remoteAddrIP != "" {
		logFields = append(logFields, log.String("remote_addr_ip", remoteAddrIP))
		if remoteAddrPort != 0 {
			logFields = append(logFields, log.Uint16("remote_addr_port", remoteAddrPort))
		}
	}

	for headerName, logKey := range opts.callHeaders {
		if headerValues := md.Get(headerName); len(headerValues) > 0 {
			logFields = append(logFields, log.String(logKey, headerValues[0]))
		}
	}

	return logFields
}

// requestIDForLogging prefers the ID assigned by RequestIDPreCallHandler (it may have been
// generated on the server side) and falls back to the inbound x-request-id header.
func requestIDForLogging(call Call, md metadata.MD) string {
	if requestID := GetRequestIDFromCall(call); requestID != "" {
		return requestID
	}
	if requestIDList := md.Get(headerRequestIDKey); len(requestIDList) > 0 {
		return requestIDList[0]
	}
	return ""
}

func isMethodExcluded(fullMethod string, excludedMethods []string) bool {
	for _, method := range excludedMethods {
		if fullMethod == method {
			return true
		}
	}
	return false
}
