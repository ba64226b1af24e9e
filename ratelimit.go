/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/lrucache"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultRateLimitMaxKeys is a default value of maximum keys number for the rate limiting handler.
const DefaultRateLimitMaxKeys = 10000

// DefaultRateLimitBacklogTimeout determines how long a call may stay in the backlog
// waiting for the rate limit to allow it.
const DefaultRateLimitBacklogTimeout = 5 * time.Second

// RateLimitLogFieldKey it is the name of the logged field that contains a key for the calls rate limiter.
const RateLimitLogFieldKey = "rate_limit_key"

// Rate describes the frequency of calls.
type Rate struct {
	Count    int
	Duration time.Duration
}

// RateLimitAlg represents a type for specifying rate-limiting algorithm.
type RateLimitAlg int

// Supported rate-limiting algorithms.
const (
	RateLimitAlgLeakyBucket RateLimitAlg = iota
	RateLimitAlgSlidingWindow
)

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	Key                 string
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
	GetRetryAfter       RateLimitGetRetryAfterFunc
}

// RateLimitGetKeyFunc is a function that is called for getting the rate limiting key for the call.
// Returns key, bypass (whether to bypass rate limiting for this call), and error.
type RateLimitGetKeyFunc func(call Call) (key string, bypass bool, err error)

// RateLimitOnRejectFunc is a function that is called for rejecting the call when the rate limit is exceeded.
type RateLimitOnRejectFunc func(call Call, params RateLimitParams) error

// RateLimitOnErrorFunc is a function that is called when an error occurs during rate limiting.
type RateLimitOnErrorFunc func(call Call, params RateLimitParams, err error) error

// RateLimitGetRetryAfterFunc is a function that is called to get a value for the retry-after header
// when the rate limit is exceeded.
type RateLimitGetRetryAfterFunc func(call Call, estimatedTime time.Duration) time.Duration

// RateLimitOption represents a configuration option for the rate limiting handler.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	alg              RateLimitAlg
	maxBurst         int
	getKey           RateLimitGetKeyFunc
	maxKeys          int
	dryRun           bool
	backlogLimit     int
	backlogTimeout   time.Duration
	onReject         RateLimitOnRejectFunc
	onRejectInDryRun RateLimitOnRejectFunc
	onError          RateLimitOnErrorFunc
	getRetryAfter    RateLimitGetRetryAfterFunc
	logger           log.FieldLogger
}

// WithRateLimitAlg sets the rate limiting algorithm.
func WithRateLimitAlg(alg RateLimitAlg) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.alg = alg
	}
}

// WithRateLimitMaxBurst sets the maximum burst size for the leaky bucket algorithm.
func WithRateLimitMaxBurst(maxBurst int) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.maxBurst = maxBurst
	}
}

// WithRateLimitGetKey sets the function to extract the rate limiting key from the call.
func WithRateLimitGetKey(getKey RateLimitGetKeyFunc) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.getKey = getKey
	}
}

// WithRateLimitMaxKeys sets the maximum number of keys to track.
func WithRateLimitMaxKeys(maxKeys int) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.maxKeys = maxKeys
	}
}

// WithRateLimitDryRun enables dry run mode where limits are checked but not enforced.
func WithRateLimitDryRun(dryRun bool) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.dryRun = dryRun
	}
}

// WithRateLimitBacklogLimit sets the backlog limit for queuing calls.
func WithRateLimitBacklogLimit(backlogLimit int) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.backlogLimit = backlogLimit
	}
}

// WithRateLimitBacklogTimeout sets the timeout for backlogged calls.
func WithRateLimitBacklogTimeout(backlogTimeout time.Duration) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.backlogTimeout = backlogTimeout
	}
}

// WithRateLimitOnReject sets the callback for handling rejected calls.
func WithRateLimitOnReject(onReject RateLimitOnRejectFunc) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.onReject = onReject
	}
}

// WithRateLimitOnRejectInDryRun sets the callback for handling rejected calls in dry run mode.
func WithRateLimitOnRejectInDryRun(onReject RateLimitOnRejectFunc) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.onRejectInDryRun = onReject
	}
}

// WithRateLimitOnError sets the callback for handling rate limiting errors.
func WithRateLimitOnError(onError RateLimitOnErrorFunc) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.onError = onError
	}
}

// WithRateLimitGetRetryAfter sets the function to calculate the retry-after value for rejected calls.
func WithRateLimitGetRetryAfter(getRetryAfter RateLimitGetRetryAfterFunc) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.getRetryAfter = getRetryAfter
	}
}

// WithRateLimitLogger sets the logger used by the default reject and error callbacks.
func WithRateLimitLogger(logger log.FieldLogger) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.logger = logger
	}
}

// RateLimitPreCallHandler returns a pre-call handler that limits the rate of calls.
// A rejected call never reaches the remaining pre-call handlers and the method implementation;
// post-call handlers still observe it with the rejection error.
func RateLimitPreCallHandler(maxRate Rate, options ...RateLimitOption) (PreCallHandler, error) {
	opts := &rateLimitOptions{
		alg:            RateLimitAlgLeakyBucket,
		backlogTimeout: DefaultRateLimitBacklogTimeout,
	}
	for _, option := range options {
		option(opts)
	}

	maxKeys := 0
	if opts.getKey != nil {
		maxKeys = opts.maxKeys
		if maxKeys == 0 {
			maxKeys = DefaultRateLimitMaxKeys
		}
	}

	var limiter rateLimiter
	var err error
	switch opts.alg {
	case RateLimitAlgLeakyBucket:
		limiter, err = newLeakyBucketLimiter(maxRate, opts.maxBurst, maxKeys)
	case RateLimitAlgSlidingWindow:
		limiter, err = newSlidingWindowLimiter(maxRate, maxKeys)
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm")
	}
	if err != nil {
		return nil, err
	}

	backlogLimit := opts.backlogLimit
	if backlogLimit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", backlogLimit)
	}
	if opts.dryRun {
		backlogLimit = 0 // Backlogging should be disabled in dry-run mode to avoid blocking calls.
	}
	var getBacklogSlots rateLimitBacklogSlotsProvider
	if backlogLimit > 0 {
		getBacklogSlots = newRateLimitBacklogSlotsProvider(backlogLimit, maxKeys)
	}

	h := &rateLimitHandler{
		limiter:         limiter,
		getBacklogSlots: getBacklogSlots,
		backlogTimeout:  opts.backlogTimeout,
		getKey:          opts.getKey,
		onReject:        makeRateLimitOnRejectFunc(opts),
		onError:         opts.onError,
		getRetryAfter:   opts.getRetryAfter,
	}
	if h.onError == nil {
		h.onError = DefaultRateLimitOnError(opts.logger)
	}
	return h.handleCall, nil
}

// rateLimiter checks whether a call identified by key may proceed now
// and estimates how long to wait otherwise.
type rateLimiter interface {
	Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error)
}

// leakyBucketLimiter implements GCRA (Generic Cell Rate Algorithm), a leaky bucket variant.
// More details and a good explanation of this alg is provided here: https://brandur.org/rate-limiting#gcra.
type leakyBucketLimiter struct {
	limiter *throttled.GCRARateLimiterCtx
}

func newLeakyBucketLimiter(maxRate Rate, maxBurst, maxKeys int) (*leakyBucketLimiter, error) {
	gcraStore, err := memstore.NewCtx(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	reqQuota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(maxRate.Count, maxRate.Duration),
		MaxBurst: maxBurst,
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, reqQuota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &leakyBucketLimiter{gcraLimiter}, nil
}

func (l *leakyBucketLimiter) Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	limited, res, err := l.limiter.RateLimitCtx(ctx, key, 1)
	if err != nil {
		return false, 0, err
	}
	return !limited, res.RetryAfter, nil
}

// slidingWindowLimiter implements the sliding window rate limiting algorithm.
type slidingWindowLimiter struct {
	getLimiter func(key string) *slidingwindow.Limiter
	maxRate    Rate
}

func newSlidingWindowLimiter(maxRate Rate, maxKeys int) (*slidingWindowLimiter, error) {
	if maxKeys == 0 {
		lim, _ := slidingwindow.NewLimiter(
			maxRate.Duration, int64(maxRate.Count), func() (slidingwindow.Window, slidingwindow.StopFunc) {
				return slidingwindow.NewLocalWindow()
			})
		return &slidingWindowLimiter{
			maxRate:    maxRate,
			getLimiter: func(_ string) *slidingwindow.Limiter { return lim },
		}, nil
	}

	store, err := lrucache.New[string, *slidingwindow.Limiter](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &slidingWindowLimiter{
		maxRate: maxRate,
		getLimiter: func(key string) *slidingwindow.Limiter {
			lim, _ := store.GetOrAdd(key, func() *slidingwindow.Limiter {
				lim, _ := slidingwindow.NewLimiter(
					maxRate.Duration, int64(maxRate.Count), func() (slidingwindow.Window, slidingwindow.StopFunc) {
						return slidingwindow.NewLocalWindow()
					})
				return lim
			})
			return lim
		},
	}, nil
}

func (l *slidingWindowLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	if l.getLimiter(key).Allow() {
		return true, 0, nil
	}
	now := time.Now()
	retryAfter = now.Truncate(l.maxRate.Duration).Add(l.maxRate.Duration).Sub(now)
	return false, retryAfter, nil
}

// rateLimitBacklogSlotsProvider provides backlog slots for rate limiting.
type rateLimitBacklogSlotsProvider func(key string) chan struct{}

func newRateLimitBacklogSlotsProvider(backlogLimit, maxKeys int) rateLimitBacklogSlotsProvider {
	if maxKeys == 0 {
		backlogSlots := make(chan struct{}, backlogLimit)
		return func(key string) chan struct{} {
			return backlogSlots
		}
	}
	keysZone, _ := lrucache.New[string, chan struct{}](maxKeys, nil) // Error is always nil here.
	return func(key string) chan struct{} {
		backlogSlots, _ := keysZone.GetOrAdd(key, func() chan struct{} {
			return make(chan struct{}, backlogLimit)
		})
		return backlogSlots
	}
}

type rateLimitHandler struct {
	limiter         rateLimiter
	getBacklogSlots rateLimitBacklogSlotsProvider
	backlogTimeout  time.Duration
	getKey          RateLimitGetKeyFunc
	onReject        RateLimitOnRejectFunc
	onError         RateLimitOnErrorFunc
	getRetryAfter   RateLimitGetRetryAfterFunc
}

func (h *rateLimitHandler) handleCall(call Call) error {
	var key string
	var bypass bool
	var err error
	if h.getKey != nil {
		if key, bypass, err = h.getKey(call); err != nil {
			return h.onError(call, h.makeParams(key, false, 0), fmt.Errorf("get key for rate limit: %w", err))
		}
		if bypass { // Rate limiting is bypassed for this call.
			return nil
		}
	}

	allow, retryAfter, err := h.limiter.Allow(call.Context(), key)
	if err != nil {
		return h.onError(call, h.makeParams(key, false, 0), fmt.Errorf("rate limit: %w", err))
	}
	if allow {
		return nil
	}

	if h.getBacklogSlots == nil { // Backlogging is disabled.
		return h.onReject(call, h.makeParams(key, false, retryAfter))
	}

	return h.processBacklog(call, key, retryAfter)
}

func (h *rateLimitHandler) processBacklog(call Call, key string, retryAfter time.Duration) error {
	ctx := call.Context()

	backlogSlots := h.getBacklogSlots(key)
	backlogged := false
	select {
	case backlogSlots <- struct{}{}:
		backlogged = true
	default:
		// There are no free slots in the backlog, reject the call immediately.
		return h.onReject(call, h.makeParams(key, backlogged, retryAfter))
	}

	freeBacklogSlotIfNeeded := func() {
		if backlogged {
			select {
			case <-backlogSlots:
				backlogged = false
			default:
			}
		}
	}

	defer freeBacklogSlotIfNeeded()

	backlogTimeoutTimer := time.NewTimer(h.backlogTimeout)
	defer backlogTimeoutTimer.Stop()

	retryTimer := time.NewTimer(retryAfter)
	defer retryTimer.Stop()

	var allow bool
	var err error

	for {
		select {
		case <-retryTimer.C:
			// Will do another check of the rate limit.
		case <-backlogTimeoutTimer.C:
			freeBacklogSlotIfNeeded()
			return h.onReject(call, h.makeParams(key, backlogged, retryAfter))
		case <-ctx.Done():
			freeBacklogSlotIfNeeded()
			return h.onError(call, h.makeParams(key, backlogged, retryAfter), ctx.Err())
		}

		if allow, retryAfter, err = h.limiter.Allow(ctx, key); err != nil {
			freeBacklogSlotIfNeeded()
			return h.onError(call, h.makeParams(key, backlogged, retryAfter), fmt.Errorf("rate limit: %w", err))
		}

		if allow {
			freeBacklogSlotIfNeeded()
			return nil
		}

		if !retryTimer.Stop() {
			select {
			case <-retryTimer.C:
			default:
			}
		}
		retryTimer.Reset(retryAfter)
	}
}

func (h *rateLimitHandler) makeParams(key string, backlogged bool, retryAfter time.Duration) RateLimitParams {
	return RateLimitParams{
		Key:                 key,
		RequestBacklogged:   backlogged,
		EstimatedRetryAfter: retryAfter,
		GetRetryAfter:       h.getRetryAfter,
	}
}

// DefaultRateLimitOnReject sends a ResourceExhausted gRPC error with a retry-after header
// when the rate limit is exceeded.
func DefaultRateLimitOnReject(logger log.FieldLogger) RateLimitOnRejectFunc {
	return func(call Call, params RateLimitParams) error {
		if logger != nil {
			logger.Warn("rate limit exceeded", log.String(RateLimitLogFieldKey, params.Key))
		}

		// Calculate retry-after using the custom function if available, otherwise use the estimated time.
		retryAfter := params.EstimatedRetryAfter
		if params.GetRetryAfter != nil {
			retryAfter = params.GetRetryAfter(call, params.EstimatedRetryAfter)
		}

		retryAfterSeconds := int(math.Ceil(retryAfter.Seconds()))
		md := metadata.Pairs("retry-after", strconv.Itoa(retryAfterSeconds))
		if err := call.SetHeader(md); err != nil && logger != nil {
			logger.Warn("failed to set retry-after header", log.Error(err))
		}

		return status.Error(codes.ResourceExhausted, "Too many requests")
	}
}

// DefaultRateLimitOnRejectInDryRun logs the exceeded rate limit and lets the call continue.
func DefaultRateLimitOnRejectInDryRun(logger log.FieldLogger) RateLimitOnRejectFunc {
	return func(call Call, params RateLimitParams) error {
		if logger != nil {
			logger.Warn("rate limit exceeded, continuing in dry run mode", log.String(RateLimitLogFieldKey, params.Key))
		}
		return nil
	}
}

// DefaultRateLimitOnError logs the rate limiting error and sends an Internal gRPC error.
func DefaultRateLimitOnError(logger log.FieldLogger) RateLimitOnErrorFunc {
	return func(call Call, params RateLimitParams, err error) error {
		if logger != nil {
			logger.Error("rate limiting error",
				log.String(RateLimitLogFieldKey, params.Key),
				log.Error(err),
			)
		}
		return status.Error(codes.Internal, "Internal server error")
	}
}

func makeRateLimitOnRejectFunc(opts *rateLimitOptions) RateLimitOnRejectFunc {
	if opts.dryRun {
		if opts.onRejectInDryRun != nil {
			return opts.onRejectInDryRun
		}
		return DefaultRateLimitOnRejectInDryRun(opts.logger)
	}
	if opts.onReject != nil {
		return opts.onReject
	}
	return DefaultRateLimitOnReject(opts.logger)
}
