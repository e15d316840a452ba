package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type verdict int

const (
	verdictExited verdict = iota
	verdictTimeout
	verdictMemory
	verdictCancelled
)

func (v verdict) String() string {
	switch v {
	case verdictTimeout:
		return "timeout"
	case verdictMemory:
		return "memory"
	case verdictCancelled:
		return "cancelled"
	default:
		return "exited"
	}
}

// watch waits for a started worker. The worker is killed when it outlives
// timeout, when its resident memory passes memLimit, or when ctx ends.
// watch always reaps the worker before returning.
func (e *IsolatedExecutor) watch(ctx context.Context, proc *Process, timeout time.Duration, memLimit int64) (verdict, error) {
	done := make(chan error, 1)
	go func() { done <- proc.Cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var poll <-chan time.Time
	if proc.TrackRSS && memLimit > 0 {
		ticker := time.NewTicker(e.memoryPoll())
		defer ticker.Stop()
		poll = ticker.C
	}

	kill := func(v verdict) (verdict, error) {
		// The worker may have exited while the watchdog fired.
		select {
		case err := <-done:
			return verdictExited, err
		default:
		}
		if err := proc.Kill(); err != nil {
			e.logger.Warn("failed to kill sandbox worker", zap.Stringer("reason", v), zap.Error(err))
		}
		return v, <-done
	}

	for {
		select {
		case err := <-done:
			return verdictExited, err
		case <-timer.C:
			return kill(verdictTimeout)
		case <-ctx.Done():
			return kill(verdictCancelled)
		case <-poll:
			rss, ok := residentBytes(proc.Cmd.Process.Pid)
			if ok && rss > memLimit {
				e.logger.Debug("sandbox worker over memory limit", zap.Int64("rss", rss), zap.Int64("limit", memLimit))
				return kill(verdictMemory)
			}
		}
	}
}
