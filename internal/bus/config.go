package bus

import "time"

// Options is the bus's environment-loadable configuration, meant to be
// populated via pkg/config.Load(&opts) the same way every adapter
// Config in the toolkit is.
type Options struct {
	NumberOfWorkers          int           `env:"BUS_NUMBER_OF_WORKERS" env-default:"1" validate:"gte=0"`
	MaxParallelismPerWorker  int           `env:"BUS_MAX_PARALLELISM_PER_WORKER" env-default:"1" validate:"gte=0"`
	MaxDeliveryAttempts      int           `env:"BUS_MAX_DELIVERY_ATTEMPTS" env-default:"5" validate:"gte=0"`
	ErrorQueueAddress        string        `env:"BUS_ERROR_QUEUE_ADDRESS" env-default:"error" validate:"required"`
	ErrorTrackerMaxAge       time.Duration `env:"BUS_ERROR_TRACKER_MAX_AGE" env-default:"10m"`
	MaxLockBuckets           int           `env:"BUS_MAX_LOCK_BUCKETS" env-default:"1024"`
	TimeoutTickInterval      time.Duration `env:"BUS_TIMEOUT_TICK_INTERVAL" env-default:"1s"`
	TimeoutResendConcurrency int           `env:"BUS_TIMEOUT_RESEND_CONCURRENCY" env-default:"8"`
	ShutdownDrainDeadline    time.Duration `env:"BUS_SHUTDOWN_DRAIN_DEADLINE" env-default:"30s"`

	// TransportSupportsNativeDelay, when true, removes the
	// deferred-messages step from the incoming pipeline and skips
	// building a timeout manager: the transport itself redelivers
	// deferred messages at their due time.
	TransportSupportsNativeDelay bool `env:"BUS_TRANSPORT_NATIVE_DELAY" env-default:"false"`
}

func (o Options) withDefaults() Options {
	if o.NumberOfWorkers < 0 {
		o.NumberOfWorkers = 0
	}
	if o.MaxParallelismPerWorker <= 0 {
		o.MaxParallelismPerWorker = 1
	}
	if o.MaxDeliveryAttempts <= 0 {
		o.MaxDeliveryAttempts = 5
	}
	if o.ErrorTrackerMaxAge <= 0 {
		o.ErrorTrackerMaxAge = 10 * time.Minute
	}
	if o.MaxLockBuckets <= 0 {
		o.MaxLockBuckets = 1024
	}
	if o.TimeoutTickInterval <= 0 {
		o.TimeoutTickInterval = time.Second
	}
	if o.TimeoutResendConcurrency <= 0 {
		o.TimeoutResendConcurrency = 8
	}
	if o.ShutdownDrainDeadline <= 0 {
		o.ShutdownDrainDeadline = 30 * time.Second
	}
	return o
}
