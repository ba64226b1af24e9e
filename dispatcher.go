/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-appkit/log"
)

const (
	// RecoveryDefaultStackSize defines the default size of stack part which will be logged.
	RecoveryDefaultStackSize = 8192
)

// InternalError is the error returned to the caller when a panic is recovered
// in the pre-call chain or in the method implementation.
var InternalError = status.Error(codes.Internal, "Internal error")

// Option represents a functional option for configuring Dispatcher.
type Option func(*dispatcherOptions)

type dispatcherOptions struct {
	preCallHandlers   []PreCallHandler
	postCallHandlers  []PostCallHandler
	logger            log.FieldLogger
	recoveryStackSize int
}

// WithPreCallHandlers appends handlers to the pre-call chain.
// Handlers execute in the order they were added.
func WithPreCallHandlers(handlers ...PreCallHandler) Option {
	return func(o *dispatcherOptions) {
		o.preCallHandlers = append(o.preCallHandlers, handlers...)
	}
}

// WithPostCallHandlers appends handlers to the post-call chain.
// Handlers execute in the order they were added.
func WithPostCallHandlers(handlers ...PostCallHandler) Option {
	return func(o *dispatcherOptions) {
		o.postCallHandlers = append(o.postCallHandlers, handlers...)
	}
}

// WithLogger sets the logger used for reporting recovered panics and suppressed
// tracing relay errors. Logging is disabled if not set.
func WithLogger(logger log.FieldLogger) Option {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// WithRecoveryStackSize sets the stack size for logging stack traces of recovered panics.
func WithRecoveryStackSize(size int) Option {
	return func(o *dispatcherOptions) {
		o.recoveryStackSize = size
	}
}

// Dispatcher wraps gRPC service registration so that every registered method implementation
// is proxied with the pre-call and post-call handler chains and, when enabled,
// with relaying of tracing headers from inbound to outbound metadata.
//
// The handler chains are shared by all services registered on one Dispatcher;
// use separate Dispatcher instances for per-service middleware.
// Apart from the one-time tracing flip, a Dispatcher is read-only after construction
// and safe for concurrent use.
type Dispatcher struct {
	preCallHandlers   []PreCallHandler
	postCallHandlers  []PostCallHandler
	logger            log.FieldLogger
	recoveryStackSize int
	tracingEnabled    atomic.Bool
}

// New creates a new Dispatcher with the given options.
func New(options ...Option) *Dispatcher {
	opts := &dispatcherOptions{
		logger:            log.NewDisabledLogger(),
		recoveryStackSize: RecoveryDefaultStackSize,
	}
	for _, option := range options {
		option(opts)
	}
	return &Dispatcher{
		preCallHandlers:   opts.preCallHandlers,
		postCallHandlers:  opts.postCallHandlers,
		logger:            opts.logger,
		recoveryStackSize: opts.recoveryStackSize,
	}
}

// NewWithConfig creates a new Dispatcher with logging handlers built from the configuration
// installed at the head of the handler chains. Tracing relay is enabled right away
// if the configuration says so.
func NewWithConfig(cfg *Config, logger log.FieldLogger, options ...Option) *Dispatcher {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	loggingPreCall, loggingPostCall := LoggingHandlers(logger,
		WithLoggingCallStart(cfg.Log.CallStart),
		WithLoggingExcludedMethods(cfg.Log.ExcludedMethods...),
		WithLoggingSlowCallThreshold(time.Duration(cfg.Log.SlowCallThreshold)),
	)
	opts := append([]Option{
		WithLogger(logger),
		WithPreCallHandlers(loggingPreCall),
		WithPostCallHandlers(loggingPostCall),
	}, options...)
	d := New(opts...)
	if cfg.Tracing.Enabled {
		d.EnableTracing()
	}
	return d
}

// EnableTracing enables relaying of the allow-listed tracing headers from inbound
// to outbound metadata. Idempotent; there is no way to disable the relay back,
// the flag remains set for the Dispatcher's lifetime.
func (d *Dispatcher) EnableTracing() {
	d.tracingEnabled.Store(true)
}

// AddService registers a service on the given registrar with every method implementation
// replaced by a proxy running the interception sequence. The original service descriptor
// is not modified. May be called multiple times to register multiple services sharing
// one Dispatcher; whether the implementation matches the descriptor is left to the
// gRPC runtime to validate.
func (d *Dispatcher) AddService(registrar grpc.ServiceRegistrar, desc *grpc.ServiceDesc, impl interface{}) {
	proxyDesc := *desc
	proxyDesc.Methods = make([]grpc.MethodDesc, len(desc.Methods))
	for i, method := range desc.Methods {
		proxyDesc.Methods[i] = grpc.MethodDesc{
			MethodName: method.MethodName,
			Handler:    d.proxyMethodHandler(fullMethodName(desc.ServiceName, method.MethodName), method.Handler),
		}
	}
	proxyDesc.Streams = make([]grpc.StreamDesc, len(desc.Streams))
	for i, stream := range desc.Streams {
		streamDesc := stream
		streamDesc.Handler = d.proxyStreamHandler(fullMethodName(desc.ServiceName, stream.StreamName), stream.Handler)
		proxyDesc.Streams[i] = streamDesc
	}
	registrar.RegisterService(&proxyDesc, impl)
}

func (d *Dispatcher) proxyMethodHandler(fullMethod string, orig func(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error)) func(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	return func(
		srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
	) (interface{}, error) {
		call := newUnaryCall(ctx, fullMethod)
		var resp interface{}
		err := d.intercept(call, func() error {
			var callErr error
			resp, callErr = orig(srv, ctx, dec, interceptor)
			return callErr
		})
		return resp, err
	}
}

func (d *Dispatcher) proxyStreamHandler(fullMethod string, orig grpc.StreamHandler) grpc.StreamHandler {
	return func(srv interface{}, ss grpc.ServerStream) error {
		call := newStreamCall(ss, fullMethod)
		return d.intercept(call, func() error {
			return orig(srv, ss)
		})
	}
}

// intercept runs the interception sequence for one call: the pre-call chain,
// the real implementation, and post-call processing. The returned error is exactly
// the one the caller of the proxy should observe.
func (d *Dispatcher) intercept(call Call, invoke func() error) error {
	// Single-shot latch: post-call processing must run exactly once per call,
	// no matter how the call terminated.
	finished := false
	finish := func(callErr error) error {
		if finished {
			return callErr
		}
		finished = true
		for _, handler := range d.postCallHandlers {
			d.runPostCallHandler(handler, callErr, call)
		}
		if d.tracingEnabled.Load() {
			d.relayTracingHeaders(call)
		}
		return callErr
	}

	callErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				d.logRecoveredPanic(call, p)
				err = InternalError
			}
		}()
		for _, handler := range d.preCallHandlers {
			if preCallErr := handler(call); preCallErr != nil {
				return preCallErr
			}
		}
		return invoke()
	}()

	return finish(callErr)
}

// runPostCallHandler invokes one post-call handler. Post-call handlers are best-effort
// observers: if one panics, the panic is logged and the remaining handlers still run,
// the call result is left untouched.
func (d *Dispatcher) runPostCallHandler(handler PostCallHandler, callErr error, call Call) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error(fmt.Sprintf("Panic in post-call handler: %+v", p),
				log.String("grpc_full_method", call.FullMethod()))
		}
	}()
	handler(callErr, call)
}

func (d *Dispatcher) logRecoveredPanic(call Call, p interface{}) {
	var logFields []log.Field
	logFields = append(logFields, log.String("grpc_full_method", call.FullMethod()))
	if d.recoveryStackSize > 0 {
		stack := make([]byte, d.recoveryStackSize)
		stack = stack[:runtime.Stack(stack, false)]
		logFields = append(logFields, log.Bytes("stack", stack))
	}
	d.logger.Error(fmt.Sprintf("Panic: %+v", p), logFields...)
}
