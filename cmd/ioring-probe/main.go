//go:build linux

// Command ioring-probe reports io_uring support of the running kernel and
// measures no-op round trips through the request loop.
package main

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"github.com/dshulyak/ioring"
	"github.com/dshulyak/ioring/internal/logging"
	"github.com/dshulyak/ioring/loop"
)

var probedOps = []struct {
	name string
	op   uint8
}{
	{"nop", ioring.IORING_OP_NOP},
	{"readv", ioring.IORING_OP_READV},
	{"writev", ioring.IORING_OP_WRITEV},
	{"fsync", ioring.IORING_OP_FSYNC},
	{"timeout", ioring.IORING_OP_TIMEOUT},
	{"link_timeout", ioring.IORING_OP_LINK_TIMEOUT},
	{"openat", ioring.IORING_OP_OPENAT},
	{"close", ioring.IORING_OP_CLOSE},
	{"read", ioring.IORING_OP_READ},
	{"write", ioring.IORING_OP_WRITE},
	{"send", ioring.IORING_OP_SEND},
	{"recv", ioring.IORING_OP_RECV},
	{"uring_cmd", ioring.IORING_OP_URING_CMD},
}

func main() {
	envErr := godotenv.Load()

	cfg, err := parseConfigFromEnv()
	log := logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: os.Stderr,
		Sync:   true,
	})
	logging.SetDefault(log)
	if envErr != nil {
		log.Debug("no .env file found", "error", envErr)
	}
	if err != nil {
		log.Error("failed to parse config", "error", err)
		os.Exit(1)
	}

	caps := ioring.Capabilities()
	log.Info("kernel", "version", caps.Kernel().String(), "supported", caps.Supported(), "probed", caps.Probed())
	if !caps.Supported() {
		log.Error("io_uring is not available", "error", caps.Err())
		os.Exit(1)
	}
	for _, op := range probedOps {
		log.Info("opcode", "name", op.name, "supported", caps.OpSupported(op.op))
	}

	if err := runNops(cfg, log); err != nil {
		log.Error("nop benchmark failed", "error", err)
		os.Exit(1)
	}
}

func waitMethod(name string) uint {
	switch name {
	case "poll":
		return loop.WaitPoll
	case "enter":
		return loop.WaitEnter
	}
	return loop.WaitEventfd
}

func runNops(cfg config, log *logging.Logger) error {
	opts := []ioring.Option{ioring.WithLogger(log.Zerolog())}
	if cfg.SQPollIdle > 0 {
		opts = append(opts, ioring.WithSQPoll(cfg.SQPollIdle))
	}
	l, err := loop.Setup(cfg.Entries, &loop.Params{
		Rings:      cfg.Rings,
		WaitMethod: waitMethod(cfg.WaitMethod),
		Flags:      loop.FlagSharedWorkers,
		Logger:     log.Zerolog(),
	}, opts...)
	if err != nil {
		return err
	}
	defer l.Close()

	var (
		wg       sync.WaitGroup
		next     atomic.Int64
		failed   atomic.Int64
		once     sync.Once
		firstErr error
	)
	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(cfg.Ops) {
				cqe, err := l.Syscall(ioring.Nop)
				if err == nil {
					err = cqe.Err()
				}
				if err != nil {
					failed.Add(1)
					once.Do(func() { firstErr = err })
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	log.Info("nop round trips",
		"ops", cfg.Ops,
		"workers", cfg.Workers,
		"rings", cfg.Rings,
		"wait", cfg.WaitMethod,
		"elapsed", elapsed.String(),
		"ops_per_sec", int64(float64(cfg.Ops)/elapsed.Seconds()),
		"failed", failed.Load())
	return firstErr
}
