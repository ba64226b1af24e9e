/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"fmt"

	"google.golang.org/grpc/metadata"

	"github.com/acronis/go-appkit/log"
)

// tracingHeaders is the fixed set of metadata keys eligible for inbound-to-outbound relay.
// Keys are matched by exact equality; metadata.MD already keeps inbound keys lowercased.
var tracingHeaders = map[string]struct{}{
	"x-forwarded-for":   {},
	"x-request-id":      {},
	"x-b3-traceid":      {},
	"x-b3-spanid":       {},
	"x-b3-parentspanid": {},
	"x-b3-sampled":      {},
	"x-b3-flags":        {},
}

// relayTracingHeaders copies the first value of every allow-listed inbound tracing header
// into a freshly built metadata object and sends it to the caller. The relay is best-effort:
// it must never fail or delay the real response, so all errors and panics are suppressed.
func (d *Dispatcher) relayTracingHeaders(call Call) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Debug(fmt.Sprintf("Panic during tracing headers relay: %+v", p),
				log.String("grpc_full_method", call.FullMethod()))
		}
	}()

	md := call.Metadata()
	if len(md) == 0 {
		return
	}
	outMD := metadata.MD{}
	for key, values := range md {
		if _, allowed := tracingHeaders[key]; allowed && len(values) > 0 {
			outMD.Set(key, values[0])
		}
	}
	if len(outMD) == 0 {
		return
	}
	if err := call.SendHeader(outMD); err != nil {
		d.logger.Debug("failed to send tracing headers",
			log.Error(err), log.String("grpc_full_method", call.FullMethod()))
	}
}
