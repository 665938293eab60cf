package task

import (
	"time"
)

type Runner interface {
	Run() error
}

// TickerTask runs a Runner on a fixed interval until stopped.
type TickerTask struct {
	interval       time.Duration
	runner         Runner
	skipInitialRun bool
	done           chan struct{}
}

func NewTickerTask(interval time.Duration, runner Runner) *TickerTask {
	return NewTickerTaskWithOptions(Options{
		Interval: interval,
		Runner:   runner,
	})
}

type Options struct {
	Interval       time.Duration
	Runner         Runner
	SkipInitialRun bool
}

func NewTickerTaskWithOptions(opt Options) *TickerTask {
	return &TickerTask{
		interval:       opt.Interval,
		runner:         opt.Runner,
		skipInitialRun: opt.SkipInitialRun,
		done:           make(chan struct{}),
	}
}

// Start runs the task once right away, unless configured otherwise, and
// then keeps running it on the interval if a positive one was given.
func (t *TickerTask) Start() {
	if !t.skipInitialRun {
		t.runner.Run()
	}

	if t.interval > 0 {
		go t.runRecurring()
	}
}

// Stop ends the periodic runs. The runner keeps whatever state it holds.
func (t *TickerTask) Stop() {
	close(t.done)
}

// Done exposes a readonly channel closed on Stop.
func (t *TickerTask) Done() <-chan struct{} {
	return t.done
}

func (t *TickerTask) runRecurring() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runner.Run()
		case <-t.done:
			return
		}
	}
}
