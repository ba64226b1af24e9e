/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-appkit/log/logtest"
)

// callRecorder collects handler invocations to verify ordering.
type callRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *callRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *callRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// InterceptionTestSuite is a test suite for the dispatcher's interception sequence.
type InterceptionTestSuite struct {
	suite.Suite
	IsUnary bool
}

func TestInterceptionUnary(t *testing.T) {
	suite.Run(t, &InterceptionTestSuite{IsUnary: true})
}

func TestInterceptionStream(t *testing.T) {
	suite.Run(t, &InterceptionTestSuite{IsUnary: false})
}

func (s *InterceptionTestSuite) makeCall(client grpc_testing.TestServiceClient) error {
	if s.IsUnary {
		_, err := client.UnaryCall(context.Background(), &grpc_testing.SimpleRequest{})
		return err
	}
	stream, err := client.StreamingOutputCall(context.Background(), &grpc_testing.StreamingOutputCallRequest{})
	if err != nil {
		return err
	}
	for {
		if _, err = stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *InterceptionTestSuite) markImplInvoked(svc *testService, recorder *callRecorder) {
	svc.SwitchUnaryCallHandler(func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
		recorder.record("impl")
		return &grpc_testing.SimpleResponse{}, nil
	})
	svc.SwitchStreamingOutputCallHandler(func(
		req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
	) error {
		recorder.record("impl")
		return nil
	})
}

func (s *InterceptionTestSuite) TestHandlersExecuteInOrder() {
	recorder := &callRecorder{}
	d := New(
		WithPreCallHandlers(
			func(call Call) error { recorder.record("pre-1"); return nil },
			func(call Call) error { recorder.record("pre-2"); return nil },
		),
		WithPostCallHandlers(
			func(callErr error, call Call) { recorder.record("post-1") },
			func(callErr error, call Call) { recorder.record("post-2") },
		),
	)
	svc, client, closeSvc, err := startTestService(d, nil)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(closeSvc()) }()
	s.markImplInvoked(svc, recorder)

	s.Require().NoError(s.makeCall(client))
	s.Require().Equal([]string{"pre-1", "pre-2", "impl", "post-1", "post-2"}, recorder.recorded())
}

func (s *InterceptionTestSuite) TestPreCallAbort() {
	abortErr := status.Error(codes.PermissionDenied, "Permission denied")
	recorder := &callRecorder{}
	var postErr error
	d := New(
		WithPreCallHandlers(
			func(call Call) error { recorder.record("pre-1"); return abortErr },
			func(call Call) error { recorder.record("pre-2"); return nil },
		),
		WithPostCallHandlers(
			func(callErr error, call Call) {
				recorder.record("post")
				postErr = callErr
			},
		),
	)
	svc, client, closeSvc, err := startTestService(d, nil)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(closeSvc()) }()
	s.markImplInvoked(svc, recorder)

	err = s.makeCall(client)
	s.Require().Equal(codes.PermissionDenied, status.Code(err))

	// Remaining pre-call handlers and the implementation must not run,
	// the post-call chain observes the abort error.
	s.Require().Equal([]string{"pre-1", "post"}, recorder.recorded())
	s.Require().Equal(codes.PermissionDenied, status.Code(postErr))
}

func (s *InterceptionTestSuite) TestPreCallPanic() {
	recorder := &callRecorder{}
	var postErr error
	logger := logtest.NewRecorder()
	d := New(
		WithLogger(logger),
		WithPreCallHandlers(func(call Call) error { panic("pre-call boom") }),
		WithPostCallHandlers(func(callErr error, call Call) {
			recorder.record("post")
			postErr = callErr
		}),
	)
	svc, client, closeSvc, err := startTestService(d, nil)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(closeSvc()) }()
	s.markImplInvoked(svc, recorder)

	err = s.makeCall(client)
	s.Require().Equal(codes.Internal, status.Code(err))
	s.Require().Equal([]string{"post"}, recorder.recorded())
	s.Require().Equal(InternalError, postErr)

	entry, found := logger.FindEntry("Panic: pre-call boom")
	s.Require().True(found)
	_, found = entry.FindField("stack")
	s.Require().True(found)
}

func (s *InterceptionTestSuite) TestImplementationError() {
	implErr := status.Error(codes.NotFound, "not found")
	var postErr error
	d := New(WithPostCallHandlers(func(callErr error, call Call) { postErr = callErr }))
	svc, client, closeSvc, err := startTestService(d, nil)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(closeSvc()) }()

	svc.SwitchUnaryCallHandler(func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
		return nil, implErr
	})
	svc.SwitchStreamingOutputCallHandler(func(
		req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
	) error {
		return implErr
	})

	err = s.makeCall(client)
	s.Require().Equal(codes.NotFound, status.Code(err))
	s.Require().Equal(codes.NotFound, status.Code(postErr))
}

func (s *InterceptionTestSuite) TestImplementationPanic() {
	d := New()
	svc, client, closeSvc, err := startTestService(d, nil)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(closeSvc()) }()

	svc.SwitchUnaryCallHandler(func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
		panic("impl boom")
	})
	svc.SwitchStreamingOutputCallHandler(func(
		req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
	) error {
		panic("impl boom")
	})

	err = s.makeCall(client)
	s.Require().Equal(codes.Internal, status.Code(err))
}

func (s *InterceptionTestSuite) TestPostCallRunsExactlyOnce() {
	abortErr := status.Error(codes.Unauthenticated, "no token")
	tests := []struct {
		name       string
		preCall    PreCallHandler
		wantedCode codes.Code
	}{
		{
			name:       "implementation completed",
			preCall:    func(call Call) error { return nil },
			wantedCode: codes.OK,
		},
		{
			name:       "pre-call abort",
			preCall:    func(call Call) error { return abortErr },
			wantedCode: codes.Unauthenticated,
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			recorder := &callRecorder{}
			d := New(
				WithPreCallHandlers(tt.preCall),
				WithPostCallHandlers(func(callErr error, call Call) { recorder.record("post") }),
			)
			_, client, closeSvc, err := startTestService(d, nil)
			s.Require().NoError(err)
			defer func() { s.Require().NoError(closeSvc()) }()

			err = s.makeCall(client)
			s.Require().Equal(tt.wantedCode, status.Code(err))
			s.Require().Equal([]string{"post"}, recorder.recorded())
		})
	}
}

func (s *InterceptionTestSuite) TestPostCallHandlerPanicSuppressed() {
	recorder := &callRecorder{}
	logger := logtest.NewRecorder()
	d := New(
		WithLogger(logger),
		WithPostCallHandlers(
			func(callErr error, call Call) { panic("post-call boom") },
			func(callErr error, call Call) { recorder.record("post-2") },
		),
	)
	_, client, closeSvc, err := startTestService(d, nil)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(closeSvc()) }()

	s.Require().NoError(s.makeCall(client))
	s.Require().Equal([]string{"post-2"}, recorder.recorded())

	_, found := logger.FindEntry("Panic in post-call handler: post-call boom")
	s.Require().True(found)
}

func (s *InterceptionTestSuite) TestResultPassedThroughUnmodified() {
	d := New(
		WithPreCallHandlers(func(call Call) error { return nil }),
		WithPostCallHandlers(func(callErr error, call Call) {}),
	)
	svc, client, closeSvc, err := startTestService(d, nil)
	s.Require().NoError(err)
	defer func() { s.Require().NoError(closeSvc()) }()

	if s.IsUnary {
		svc.SwitchUnaryCallHandler(func(ctx context.Context, req *grpc_testing.SimpleRequest) (*grpc_testing.SimpleResponse, error) {
			return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("untouched")}}, nil
		})
		resp, respErr := client.UnaryCall(context.Background(), &grpc_testing.SimpleRequest{})
		s.Require().NoError(respErr)
		s.Require().Equal("untouched", string(resp.Payload.GetBody()))
		return
	}

	svc.SwitchStreamingOutputCallHandler(func(
		req *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
	) error {
		return stream.Send(&grpc_testing.StreamingOutputCallResponse{
			Payload: &grpc_testing.Payload{Body: []byte("untouched")},
		})
	})
	stream, streamErr := client.StreamingOutputCall(context.Background(), &grpc_testing.StreamingOutputCallRequest{})
	s.Require().NoError(streamErr)
	resp, recvErr := stream.Recv()
	s.Require().NoError(recvErr)
	s.Require().Equal("untouched", string(resp.Payload.GetBody()))
}

// TestInterceptDirectProxyInvocation checks the at-most-once guarantee of post-call processing
// by driving a proxied method handler directly, without a server in between.
func TestInterceptDirectProxyInvocation(t *testing.T) {
	postCalls := 0
	d := New(WithPostCallHandlers(func(callErr error, call Call) { postCalls++ }))

	registrar := &fakeRegistrar{}
	desc := &grpc.ServiceDesc{
		ServiceName: "test.Direct",
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Do",
				Handler: func(
					srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
				) (interface{}, error) {
					return "resp", nil
				},
			},
		},
	}
	d.AddService(registrar, desc, struct{}{})

	resp, err := registrar.descs[0].Methods[0].Handler(struct{}{}, context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "resp", resp)
	require.Equal(t, 1, postCalls)
}
