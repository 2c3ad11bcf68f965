package ioring

import (
	"time"

	"github.com/rs/zerolog"
)

// Config collects ring setup parameters. It is filled by Option functions
// passed to Open.
type Config struct {
	Params Params
	// Clamp allows entries above MaxEntries, the kernel clamps them.
	Clamp  bool
	Logger zerolog.Logger
}

type Option func(*Config)

func defaultConfig() Config {
	return Config{Logger: zerolog.Nop()}
}

// WithSQPoll enables the kernel submission poller. The poller goes to sleep
// after idle without new submissions.
func WithSQPoll(idle time.Duration) Option {
	return func(c *Config) {
		c.Params.Flags |= IORING_SETUP_SQPOLL
		c.Params.SQThreadIdle = uint32(idle.Milliseconds())
	}
}

// WithSQThreadCPU pins the submission poller to cpu. Implies nothing without WithSQPoll.
func WithSQThreadCPU(cpu uint32) Option {
	return func(c *Config) {
		c.Params.Flags |= IORING_SETUP_SQ_AFF
		c.Params.SQThreadCPU = cpu
	}
}

// WithIOPoll makes the kernel busy-poll for completions instead of relying on interrupts.
func WithIOPoll() Option {
	return func(c *Config) {
		c.Params.Flags |= IORING_SETUP_IOPOLL
	}
}

func WithCQSize(n uint32) Option {
	return func(c *Config) {
		c.Params.Flags |= IORING_SETUP_CQSIZE
		c.Params.CQEntries = n
	}
}

func WithClamp() Option {
	return func(c *Config) {
		c.Params.Flags |= IORING_SETUP_CLAMP
		c.Clamp = true
	}
}

// WithAttachWQ shares the async worker pool of the ring with descriptor fd.
func WithAttachWQ(fd int) Option {
	return func(c *Config) {
		c.Params.Flags |= IORING_SETUP_ATTACH_WQ
		c.Params.WQFd = uint32(fd)
	}
}

// WithParams replaces the parameter block. Options applied after it still
// modify the copy.
func WithParams(p *Params) Option {
	return func(c *Config) {
		if p != nil {
			c.Params = *p
			c.Clamp = c.Clamp || p.Flags&IORING_SETUP_CLAMP > 0
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
