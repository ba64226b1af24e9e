/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// CallMethodType represents the type of gRPC method call.
type CallMethodType string

const (
	// CallMethodTypeUnary represents a unary gRPC method call.
	CallMethodTypeUnary CallMethodType = "unary"
	// CallMethodTypeStream represents a streaming gRPC method call.
	CallMethodTypeStream CallMethodType = "stream"
)

// Call represents one in-flight gRPC invocation as seen by pre-call and post-call handlers.
// It exposes the same capability set for all method types (unary, client-streaming,
// server-streaming, bidirectional-streaming); handlers never need to know which one they got.
// The underlying call lifecycle is owned by the gRPC runtime, a Call only reads it
// and may send response metadata as a side channel.
type Call interface {
	// Context returns the context of the call.
	Context() context.Context

	// FullMethod returns the full method name of the call in the "/package.service/method" form.
	FullMethod() string

	// MethodType returns the coarse method type of the call.
	MethodType() CallMethodType

	// StartTime returns the moment the proxy started processing the call.
	StartTime() time.Time

	// Metadata returns the inbound call metadata. May be nil if the caller sent none.
	Metadata() metadata.MD

	// SetHeader sets response header metadata that will be sent together with the response.
	// Merges with previously set headers.
	SetHeader(md metadata.MD) error

	// SendHeader sends response header metadata to the caller immediately,
	// independent of the final response. May be called only once per call.
	SendHeader(md metadata.MD) error

	// SetValue stores a per-call annotation that later handlers of the same call can read.
	SetValue(key string, value interface{})

	// Value returns a per-call annotation previously stored with SetValue, or nil.
	Value(key string) interface{}
}

// PreCallHandler is invoked before the real method implementation, in the order the handlers
// were supplied at the dispatcher construction. Returning a non-nil error aborts the call:
// the remaining pre-call handlers and the implementation are not invoked, and the error
// is delivered to the caller through the normal gRPC error channel.
// Handlers must be safe for concurrent invocation across different calls.
type PreCallHandler func(call Call) error

// PostCallHandler is invoked after the real method implementation completes (or after
// a pre-call abort), in the order the handlers were supplied at the dispatcher construction.
// It observes the call's terminal error (nil on success) and must not try to alter the result.
// Handlers must be safe for concurrent invocation across different calls.
type PostCallHandler func(callErr error, call Call)

// callValues holds per-call annotations shared between handlers of one call.
type callValues struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

func (cv *callValues) set(key string, value interface{}) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.m == nil {
		cv.m = make(map[string]interface{}, 1)
	}
	cv.m[key] = value
}

func (cv *callValues) get(key string) interface{} {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	return cv.m[key]
}

// unaryCall adapts a unary invocation context to the Call interface.
type unaryCall struct {
	ctx        context.Context
	fullMethod string
	startTime  time.Time
	values     callValues
}

func newUnaryCall(ctx context.Context, fullMethod string) *unaryCall {
	return &unaryCall{ctx: ctx, fullMethod: fullMethod, startTime: time.Now()}
}

func (c *unaryCall) Context() context.Context { return c.ctx }

func (c *unaryCall) FullMethod() string { return c.fullMethod }

func (c *unaryCall) MethodType() CallMethodType { return CallMethodTypeUnary }

func (c *unaryCall) StartTime() time.Time { return c.startTime }

func (c *unaryCall) Metadata() metadata.MD {
	md, _ := metadata.FromIncomingContext(c.ctx)
	return md
}

func (c *unaryCall) SetHeader(md metadata.MD) error {
	return grpc.SetHeader(c.ctx, md)
}

func (c *unaryCall) SendHeader(md metadata.MD) error {
	return grpc.SendHeader(c.ctx, md)
}

func (c *unaryCall) SetValue(key string, value interface{}) { c.values.set(key, value) }

func (c *unaryCall) Value(key string) interface{} { return c.values.get(key) }

// streamCall adapts a grpc.ServerStream to the Call interface.
type streamCall struct {
	ss         grpc.ServerStream
	fullMethod string
	startTime  time.Time
	values     callValues
}

func newStreamCall(ss grpc.ServerStream, fullMethod string) *streamCall {
	return &streamCall{ss: ss, fullMethod: fullMethod, startTime: time.Now()}
}

func (c *streamCall) Context() context.Context { return c.ss.Context() }

func (c *streamCall) FullMethod() string { return c.fullMethod }

func (c *streamCall) MethodType() CallMethodType { return CallMethodTypeStream }

func (c *streamCall) StartTime() time.Time { return c.startTime }

func (c *streamCall) Metadata() metadata.MD {
	md, _ := metadata.FromIncomingContext(c.ss.Context())
	return md
}

func (c *streamCall) SetHeader(md metadata.MD) error {
	return c.ss.SetHeader(md)
}

func (c *streamCall) SendHeader(md metadata.MD) error {
	return c.ss.SendHeader(md)
}

func (c *streamCall) SetValue(key string, value interface{}) { c.values.set(key, value) }

func (c *streamCall) Value(key string) interface{} { return c.values.get(key) }

func fullMethodName(serviceName, methodName string) string {
	return "/" + serviceName + "/" + methodName
}

func splitFullMethodName(fullMethod string) (service string, method string) {
	const unknown = "unknown"
	fullMethod = strings.TrimPrefix(fullMethod, "/") // remove leading slash
	if i := strings.Index(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return unknown, unknown
}
