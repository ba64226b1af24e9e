/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	callMetricsLabelService    = "grpc_service"
	callMetricsLabelMethod     = "grpc_method"
	callMetricsLabelMethodType = "grpc_method_type"
	callMetricsLabelCode       = "grpc_code"
)

// CallInfoMetrics represents a call info for collecting metrics.
type CallInfoMetrics struct {
	Service string
	Method  string
}

// MetricsCollector is an interface for collecting metrics for incoming gRPC calls.
type MetricsCollector interface {
	// IncInFlightCalls increments the counter of in-flight calls.
	IncInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType)

	// DecInFlightCalls decrements the counter of in-flight calls.
	DecInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType)

	// ObserveCallFinish observes the duration of the call and the status code.
	ObserveCallFinish(callInfo CallInfoMetrics, methodType CallMethodType, code codes.Code, startTime time.Time)
}

// MetricsHandlers returns a pre-call and a post-call handler pair that collects metrics
// for incoming gRPC calls: the pre-call handler accounts the call as in-flight,
// the post-call handler observes its duration and resulting code.
// Both handlers are supposed to be installed together.
func MetricsHandlers(collector MetricsCollector) (PreCallHandler, PostCallHandler) {
	preCall := func(call Call) error {
		collector.IncInFlightCalls(makeCallInfoMetrics(call), call.MethodType())
		return nil
	}
	postCall := func(callErr error, call Call) {
		callInfo := makeCallInfoMetrics(call)
		collector.DecInFlightCalls(callInfo, call.MethodType())
		collector.ObserveCallFinish(callInfo, call.MethodType(), status.Code(callErr), call.StartTime())
	}
	return preCall, postCall
}

func makeCallInfoMetrics(call Call) CallInfoMetrics {
	service, method := splitFullMethodName(call.FullMethod())
	return CallInfoMetrics{Service: service, Method: method}
}

// DefaultPrometheusDurationBuckets is default buckets into which observations of serving gRPC calls are counted.
var DefaultPrometheusDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600}

// PrometheusOption is a function type for configuring the metrics collector.
type PrometheusOption func(*prometheusOptions)

// prometheusOptions hold options for configuring Prometheus metrics collector.
type prometheusOptions struct {
	namespace       string
	durationBuckets []float64
	constLabels     prometheus.Labels
}

// WithPrometheusNamespace sets the namespace for metrics.
func WithPrometheusNamespace(namespace string) PrometheusOption {
	return func(c *prometheusOptions) {
		c.namespace = namespace
	}
}

// WithPrometheusDurationBuckets sets the duration buckets for histogram metrics.
func WithPrometheusDurationBuckets(buckets []float64) PrometheusOption {
	return func(c *prometheusOptions) {
		c.durationBuckets = buckets
	}
}

// WithPrometheusConstLabels sets constant labels that will be applied to all metrics.
func WithPrometheusConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(c *prometheusOptions) {
		c.constLabels = labels
	}
}

// PrometheusMetrics represents collector of metrics for incoming gRPC calls.
type PrometheusMetrics struct {
	Durations *prometheus.HistogramVec
	InFlight  *prometheus.GaugeVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetrics(opts ...PrometheusOption) *PrometheusMetrics {
	options := &prometheusOptions{
		durationBuckets: DefaultPrometheusDurationBuckets,
	}
	for _, opt := range opts {
		opt(options)
	}

	durations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   options.namespace,
			Name:        "grpc_call_duration_seconds",
			Help:        "A histogram of the gRPC call durations.",
			Buckets:     options.durationBuckets,
			ConstLabels: options.constLabels,
		},
		[]string{
			callMetricsLabelService,
			callMetricsLabelMethod,
			callMetricsLabelMethodType,
			callMetricsLabelCode,
		},
	)

	inFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   options.namespace,
			Name:        "grpc_calls_in_flight",
			Help:        "Current number of gRPC calls being served.",
			ConstLabels: options.constLabels,
		},
		[]string{
			callMetricsLabelService,
			callMetricsLabelMethod,
			callMetricsLabelMethodType,
		},
	)

	return &PrometheusMetrics{
		Durations: durations,
		InFlight:  inFlight,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.Durations,
		pm.InFlight,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.InFlight)
	prometheus.Unregister(pm.Durations)
}

// IncInFlightCalls increments the counter of in-flight calls.
func (pm *PrometheusMetrics) IncInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType) {
	pm.InFlight.With(prometheus.Labels{
		callMetricsLabelService:    callInfo.Service,
		callMetricsLabelMethod:     callInfo.Method,
		callMetricsLabelMethodType: string(methodType),
	}).Inc()
}

// DecInFlightCalls decrements the counter of in-flight calls.
func (pm *PrometheusMetrics) DecInFlightCalls(callInfo CallInfoMetrics, methodType CallMethodType) {
	pm.InFlight.With(prometheus.Labels{
		callMetricsLabelService:    callInfo.Service,
		callMetricsLabelMethod:     callInfo.Method,
		callMetricsLabelMethodType: string(methodType),
	}).Dec()
}

// ObserveCallFinish observes the duration of the call and the status code.
func (pm *PrometheusMetrics) ObserveCallFinish(
	callInfo CallInfoMetrics, methodType CallMethodType, code codes.Code, startTime time.Time,
) {
	pm.Durations.With(prometheus.Labels{
		callMetricsLabelService:    callInfo.Service,
		callMetricsLabelMethod:     callInfo.Method,
		callMetricsLabelMethodType: string(methodType),
		callMetricsLabelCode:       code.String(),
	}).Observe(time.Since(startTime).Seconds())
}
