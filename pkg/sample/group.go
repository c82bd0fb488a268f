package sample

import (
	"github.com/oklog/run"
)

// RunGroup orchestrates the long-lived pieces of a running pipeline: the
// ring consumer's two perf-buffer pollers and a caller-supplied cache
// sweeper (e.g. periodic metrics flush), using oklog/run to supervise the
// goroutines together so that any one of them exiting shuts down the rest
// (§10.4).
func RunGroup(consumer *RingConsumer, extra ...func() (execute func() error, interrupt func(error))) error {
	var g run.Group

	done := make(chan struct{})
	g.Add(func() error {
		consumer.Start()
		consumer.LogLost()
		<-done // Start/Stop are non-blocking; block until interrupted.
		return nil
	}, func(error) {
		consumer.Stop()
		close(done)
	})

	for _, mk := range extra {
		execute, interrupt := mk()
		g.Add(execute, interrupt)
	}

	return g.Run()
}
