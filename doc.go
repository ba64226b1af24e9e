/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package grpcmiddleware provides a dispatcher that wraps gRPC service registration
// so that ordered pre-call and post-call handler chains run around every method
// implementation, and a fixed allow-list of tracing headers can be relayed from
// inbound to outbound metadata. Built-in handlers for logging, request ID handling,
// and metrics collection are included.
package grpcmiddleware
