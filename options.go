package eventhandler

import "time"

// Defaults per spec §6.1.
const (
	defaultThreads                = 6
	defaultReadBufferSize         = 10240
	defaultMaxRWHandles           = 16000
	defaultMaxHandleNumericValue  = 16100
	defaultHousekeeperFrequencyMS = 1000

	// saturationLimit is the number of consecutive successful
	// (non-empty) reads on one handle, within a round, before it is deferred to the saturation
	// pass (spec §4.4.2). A constant, not a tunable (spec §9).
	saturationLimit = 5

	// maxEvents bounds a single selector.wait call (spec §4.2).
	maxEvents = 100

	// tlsChunk is the maximum plaintext slice handed to the TLS record
	// engine per call (spec §4.6, "TLS_CHUNK").
	tlsChunk = 32 * 1024
)

// config holds resolved Handler construction options.
type config struct {
	threads               int
	readBufferSize        int
	maxRWHandles          int
	maxHandleNumericValue int
	housekeeperFrequency  time.Duration
	logger                Logger
	callbacks             Callbacks
	userData              any
}

// Option configures a Handler at construction time.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(cfg *config) error { return f(cfg) }

// WithThreads sets the number of worker threads. It must equal the
// number of handles later passed to AddListenerHandles.
func WithThreads(n int) Option {
	return optionFunc(func(cfg *config) error {
		if n <= 0 {
			return &ConfigurationError{Message: "threads must be positive"}
		}
		cfg.threads = n
		return nil
	})
}

// WithReadBufferSize sets the per-worker scratch read buffer size.
func WithReadBufferSize(n int) Option {
	return optionFunc(func(cfg *config) error {
		if n <= 0 {
			return &ConfigurationError{Message: "read_buffer_size must be positive"}
		}
		cfg.readBufferSize = n
		return nil
	})
}

// WithMaxRWHandles sets the hard cap on concurrent ReadWrite connections.
func WithMaxRWHandles(n int) Option {
	return optionFunc(func(cfg *config) error {
		if n <= 0 {
			return &ConfigurationError{Message: "max_rwhandles must be positive"}
		}
		cfg.maxRWHandles = n
		return nil
	})
}

// WithMaxHandleNumericValue sets the rejection threshold for OS handle
// numeric values, bounding the filter bitset's memory.
func WithMaxHandleNumericValue(n int) Option {
	return optionFunc(func(cfg *config) error {
		if n <= 0 {
			return &ConfigurationError{Message: "max_handle_numeric_value must be positive"}
		}
		cfg.maxHandleNumericValue = n
		return nil
	})
}

// WithHousekeeperFrequency sets the selector idle timeout and the
// minimum interval between on_housekeep invocations.
func WithHousekeeperFrequency(d time.Duration) Option {
	return optionFunc(func(cfg *config) error {
		if d <= 0 {
			return &ConfigurationError{Message: "housekeeper_frequency must be positive"}
		}
		cfg.housekeeperFrequency = d
		return nil
	})
}

// WithLogger sets the structured logger used for tier-1 recoverable
// errors and tier-2 panic notifications (spec §7). Defaults to a no-op
// logger; see NewLogifaceLogger to wire the logiface/stumpy backend.
func WithLogger(l Logger) Option {
	return optionFunc(func(cfg *config) error {
		if l == nil {
			return &ConfigurationError{Message: "logger must not be nil"}
		}
		cfg.logger = l
		return nil
	})
}

// WithCallbacks sets the capability bundle invoked by every worker
// (spec §9 "Callbacks as capability bundle"). At minimum OnRead,
// OnAccept and OnClose must be set; OnPanic and OnHousekeep default to
// no-ops if left nil.
func WithCallbacks(cb Callbacks) Option {
	return optionFunc(func(cfg *config) error {
		if cb.OnRead == nil || cb.OnAccept == nil || cb.OnClose == nil {
			return &ConfigurationError{Message: "on_read, on_accept and on_close callbacks are required"}
		}
		cfg.callbacks = cb
		return nil
	})
}

// WithUserData attaches an application-defined value passed verbatim to
// every callback invocation.
func WithUserData(v any) Option {
	return optionFunc(func(cfg *config) error {
		cfg.userData = v
		return nil
	})
}

// resolveConfig applies defaults, then opts in order.
func resolveConfig(opts []Option) (*config, error) {
	cfg := &config{
		threads:               defaultThreads,
		readBufferSize:        defaultReadBufferSize,
		maxRWHandles:          defaultMaxRWHandles,
		maxHandleNumericValue: defaultMaxHandleNumericValue,
		housekeeperFrequency:  defaultHousekeeperFrequencyMS * time.Millisecond,
		logger:                NewNoOpLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.maxRWHandles > cfg.maxHandleNumericValue {
		return nil, &ConfigurationError{Message: "max_rwhandles must not exceed max_handle_numeric_value"}
	}
	return cfg, nil
}
