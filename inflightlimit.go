/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcmiddleware

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/lrucache"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultInFlightLimitMaxKeys is a default value of maximum keys number for the in-flight limiting handlers.
const DefaultInFlightLimitMaxKeys = 10000

// DefaultInFlightLimitBacklogTimeout determines how long a call may wait in the backlog
// for an in-flight slot to become free.
const DefaultInFlightLimitBacklogTimeout = 5 * time.Second

// InFlightLimitLogFieldKey it is the name of the logged field that contains a key for the in-flight limiter.
const InFlightLimitLogFieldKey = "in_flight_limit_key"

// InFlightLimitLogFieldBacklogged it is the name of the logged field that tells if the call was backlogged.
const InFlightLimitLogFieldBacklogged = "in_flight_limit_backlogged"

// inFlightLimitReleaseCallValueKey is the per-call annotation under which the pre-call handler
// stores the slot release closure for the post-call handler.
const inFlightLimitReleaseCallValueKey = "in_flight_limit_release"

// InFlightLimitParams contains data that relates to the in-flight limiting procedure
// and could be used for rejecting or handling an occurred error.
type InFlightLimitParams struct {
	Key               string
	RequestBacklogged bool
	GetRetryAfter     InFlightLimitGetRetryAfterFunc
}

// InFlightLimitGetKeyFunc is a function that is called for getting the in-flight limiting key for the call.
// Returns key, bypass (whether to bypass in-flight limiting for this call), and error.
type InFlightLimitGetKeyFunc func(call Call) (key string, bypass bool, err error)

// InFlightLimitOnRejectFunc is a function that is called for rejecting the call when the in-flight limit is exceeded.
type InFlightLimitOnRejectFunc func(call Call, params InFlightLimitParams) error

// InFlightLimitOnErrorFunc is a function that is called when an error occurs during in-flight limiting.
type InFlightLimitOnErrorFunc func(call Call, params InFlightLimitParams, err error) error

// InFlightLimitGetRetryAfterFunc is a function that is called to get a value for the retry-after header
// when the in-flight limit is exceeded.
type InFlightLimitGetRetryAfterFunc func(call Call) time.Duration

// InFlightLimitOption represents a configuration option for the in-flight limiting handlers.
type InFlightLimitOption func(*inFlightLimitOptions)

type inFlightLimitOptions struct {
	getKey           InFlightLimitGetKeyFunc
	maxKeys          int
	dryRun           bool
	backlogLimit     int
	backlogTimeout   time.Duration
	onReject         InFlightLimitOnRejectFunc
	onRejectInDryRun InFlightLimitOnRejectFunc
	onError          InFlightLimitOnErrorFunc
	getRetryAfter    InFlightLimitGetRetryAfterFunc
	logger           log.FieldLogger
}

// WithInFlightLimitGetKey sets the function to extract the in-flight limiting key from the call.
func WithInFlightLimitGetKey(getKey InFlightLimitGetKeyFunc) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.getKey = getKey
	}
}

// WithInFlightLimitMaxKeys sets the maximum number of keys to track.
func WithInFlightLimitMaxKeys(maxKeys int) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.maxKeys = maxKeys
	}
}

// WithInFlightLimitDryRun enables dry run mode where limits are checked but not enforced.
func WithInFlightLimitDryRun(dryRun bool) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.dryRun = dryRun
	}
}

// WithInFlightLimitBacklogLimit sets the backlog limit for queuing calls.
func WithInFlightLimitBacklogLimit(backlogLimit int) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.backlogLimit = backlogLimit
	}
}

// WithInFlightLimitBacklogTimeout sets the timeout for backlogged calls.
func WithInFlightLimitBacklogTimeout(backlogTimeout time.Duration) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.backlogTimeout = backlogTimeout
	}
}

// WithInFlightLimitOnReject sets the callback for handling rejected calls.
func WithInFlightLimitOnReject(onReject InFlightLimitOnRejectFunc) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.onReject = onReject
	}
}

// WithInFlightLimitOnRejectInDryRun sets the callback for handling rejected calls in dry run mode.
func WithInFlightLimitOnRejectInDryRun(onReject InFlightLimitOnRejectFunc) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.onRejectInDryRun = onReject
	}
}

// WithInFlightLimitOnError sets the callback for handling in-flight limiting errors.
func WithInFlightLimitOnError(onError InFlightLimitOnErrorFunc) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.onError = onError
	}
}

// WithInFlightLimitGetRetryAfter sets the function to calculate the retry-after value for rejected calls.
func WithInFlightLimitGetRetryAfter(getRetryAfter InFlightLimitGetRetryAfterFunc) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.getRetryAfter = getRetryAfter
	}
}

// WithInFlightLimitLogger sets the logger used by the default reject and error callbacks.
func WithInFlightLimitLogger(logger log.FieldLogger) InFlightLimitOption {
	return func(opts *inFlightLimitOptions) {
		opts.logger = logger
	}
}

// InFlightLimitHandlers returns a pre-call and a post-call handler pair that bounds the number
// of calls executed concurrently. The pre-call handler acquires an in-flight slot (waiting in
// the backlog when one is configured) and keeps it for the whole call; the post-call handler
// releases it. Both handlers must be installed on the same dispatcher.
func InFlightLimitHandlers(limit int, options ...InFlightLimitOption) (PreCallHandler, PostCallHandler, error) {
	if limit <= 0 {
		return nil, nil, fmt.Errorf("limit should be positive, got %d", limit)
	}

	opts := &inFlightLimitOptions{
		backlogTimeout: DefaultInFlightLimitBacklogTimeout,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.backlogLimit < 0 {
		return nil, nil, fmt.Errorf("backlog limit should not be negative, got %d", opts.backlogLimit)
	}
	if opts.maxKeys < 0 {
		return nil, nil, fmt.Errorf("max keys should not be negative, got %d", opts.maxKeys)
	}

	maxKeys := 0
	if opts.getKey != nil {
		maxKeys = opts.maxKeys
		if maxKeys == 0 {
			maxKeys = DefaultInFlightLimitMaxKeys
		}
	}

	getSlots, err := newInFlightLimitSlotsProvider(limit, opts.backlogLimit, maxKeys)
	if err != nil {
		return nil, nil, err
	}

	h := &inFlightLimitHandler{
		getSlots:       getSlots,
		backlogTimeout: opts.backlogTimeout,
		dryRun:         opts.dryRun,
		getKey:         opts.getKey,
		onReject:       makeInFlightLimitOnRejectFunc(opts),
		onError:        opts.onError,
		getRetryAfter:  opts.getRetryAfter,
	}
	if h.onError == nil {
		h.onError = DefaultInFlightLimitOnError(opts.logger)
	}
	return h.handleCallStart, h.handleCallFinish, nil
}

// inFlightLimitSlotsProvider provides in-flight and backlog slots for limiting.
type inFlightLimitSlotsProvider func(key string) (slots chan struct{}, backlogSlots chan struct{})

func newInFlightLimitSlotsProvider(limit, backlogLimit, maxKeys int) (inFlightLimitSlotsProvider, error) {
	if maxKeys == 0 {
		slots := make(chan struct{}, limit)
		backlogSlots := make(chan struct{}, limit+backlogLimit)
		return func(key string) (chan struct{}, chan struct{}) {
			return slots, backlogSlots
		}, nil
	}

	type keysZoneItem struct {
		slots        chan struct{}
		backlogSlots chan struct{}
	}

	keysZone, err := lrucache.New[string, *keysZoneItem](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return func(key string) (chan struct{}, chan struct{}) {
		item, _ := keysZone.GetOrAdd(key, func() *keysZoneItem {
			return &keysZoneItem{
				slots:        make(chan struct{}, limit),
				backlogSlots: make(chan struct{}, limit+backlogLimit),
			}
		})
		return item.slots, item.backlogSlots
	}, nil
}

type inFlightLimitHandler struct {
	getSlots       inFlightLimitSlotsProvider
	backlogTimeout time.Duration
	dryRun         bool
	getKey         InFlightLimitGetKeyFunc
	onReject       InFlightLimitOnRejectFunc
	onError        InFlightLimitOnErrorFunc
	getRetryAfter  InFlightLimitGetRetryAfterFunc
}

func (h *inFlightLimitHandler) handleCallStart(call Call) error {
	var key string
	var bypass bool
	var err error
	if h.getKey != nil {
		if key, bypass, err = h.getKey(call); err != nil {
			return h.onError(call, h.makeParams(key, false), fmt.Errorf("get key for in-flight limit: %w", err))
		}
		if bypass { // In-flight limiting is bypassed for this call.
			return nil
		}
	}

	slots, backlogSlots := h.getSlots(key)

	select {
	case backlogSlots <- struct{}{}:
	default:
		return h.onReject(call, h.makeParams(key, false))
	}

	freeBacklogSlot := func() {
		select {
		case <-backlogSlots:
		default:
		}
	}

	if h.dryRun {
		select {
		case slots <- struct{}{}:
			h.storeRelease(call, slots, backlogSlots)
			return nil
		default:
			// The backlog slot stays held while the call continues in dry run mode,
			// the post-call handler frees it.
			h.storeRelease(call, nil, backlogSlots)
			return h.onReject(call, h.makeParams(key, true))
		}
	}

	backlogTimeoutTimer := time.NewTimer(h.backlogTimeout)
	defer backlogTimeoutTimer.Stop()

	select {
	case slots <- struct{}{}:
		h.storeRelease(call, slots, backlogSlots)
		return nil
	case <-backlogTimeoutTimer.C:
		freeBacklogSlot()
		return h.onReject(call, h.makeParams(key, true))
	case <-call.Context().Done():
		freeBacklogSlot()
		return h.onError(call, h.makeParams(key, true), call.Context().Err())
	}
}

// handleCallFinish frees the slots acquired by handleCallStart.
// Calls that were bypassed, rejected or aborted before the slots were acquired carry
// no release annotation, for them it is a no-op.
func (h *inFlightLimitHandler) handleCallFinish(callErr error, call Call) {
	if release, ok := call.Value(inFlightLimitReleaseCallValueKey).(func()); ok {
		release()
	}
}

// storeRelease saves the closure that frees the in-flight and the backlog slot.
// Both slots are held for the whole call, so that the backlog reflects
// the total number of calls admitted into the limiter. slots may be nil
// when only the backlog slot was acquired.
func (h *inFlightLimitHandler) storeRelease(call Call, slots, backlogSlots chan struct{}) {
	call.SetValue(inFlightLimitReleaseCallValueKey, func() {
		if slots != nil {
			select {
			case <-slots:
			default:
			}
		}
		select {
		case <-backlogSlots:
		default:
		}
	})
}

func (h *inFlightLimitHandler) makeParams(key string, backlogged bool) InFlightLimitParams {
	return InFlightLimitParams{
		Key:               key,
		RequestBacklogged: backlogged,
		GetRetryAfter:     h.getRetryAfter,
	}
}

// DefaultInFlightLimitOnReject sends a ResourceExhausted gRPC error when the in-flight limit is exceeded.
func DefaultInFlightLimitOnReject(logger log.FieldLogger) InFlightLimitOnRejectFunc {
	return func(call Call, params InFlightLimitParams) error {
		if logger != nil {
			logger.Warn("in-flight limit exceeded",
				log.String(InFlightLimitLogFieldKey, params.Key),
				log.Bool(InFlightLimitLogFieldBacklogged, params.RequestBacklogged),
			)
		}

		if params.GetRetryAfter != nil {
			retryAfter := params.GetRetryAfter(call)
			retryAfterSeconds := int(math.Ceil(retryAfter.Seconds()))
			md := metadata.Pairs("retry-after", strconv.Itoa(retryAfterSeconds))
			if err := call.SetHeader(md); err != nil && logger != nil {
				logger.Warn("failed to set retry-after header", log.Error(err))
			}
		}

		return status.Error(codes.ResourceExhausted, "Too many in-flight requests")
	}
}

// DefaultInFlightLimitOnRejectInDryRun logs the exceeded in-flight limit and lets the call continue.
func DefaultInFlightLimitOnRejectInDryRun(logger log.FieldLogger) InFlightLimitOnRejectFunc {
	return func(call Call, params InFlightLimitParams) error {
		if logger != nil {
			logger.Warn("in-flight limit exceeded, continuing in dry run mode",
				log.String(InFlightLimitLogFieldKey, params.Key),
				log.Bool(InFlightLimitLogFieldBacklogged, params.RequestBacklogged),
			)
		}
		return nil
	}
}

// DefaultInFlightLimitOnError logs the in-flight limiting error and sends an Internal gRPC error.
func DefaultInFlightLimitOnError(logger log.FieldLogger) InFlightLimitOnErrorFunc {
	return func(call Call, params InFlightLimitParams, err error) error {
		if logger != nil {
			logger.Error("in-flight limiting error",
				log.String(InFlightLimitLogFieldKey, params.Key),
				log.Error(err),
			)
		}
		return status.Error(codes.Internal, "Internal server error")
	}
}

func makeInFlightLimitOnRejectFunc(opts *inFlightLimitOptions) InFlightLimitOnRejectFunc {
	if opts.dryRun {
		if opts.onRejectInDryRun != nil {
			return opts.onRejectInDryRun
		}
		return DefaultInFlightLimitOnRejectInDryRun(opts.logger)
	}
	if opts.onReject != nil {
		return opts.onReject
	}
	return DefaultInFlightLimitOnReject(opts.logger)
}
