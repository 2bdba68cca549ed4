/*
Copyright 2022 The MASH Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package interrupts exposes helpers for graceful handling of interrupt
// signals. Service mains register their broker consumers, schedulers and
// HTTP servers here so that a SIGINT or SIGTERM lets in-flight work drain
// before the process exits.
//
// The helpers may only be used from the main goroutine of a process, and
// WaitForGracefulShutdown must be the last call in main.
package interrupts

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// only one instance of the manager ever exists
var single *manager

func init() {
	m := sync.Mutex{}
	single = &manager{
		c: sync.NewCond(&m),
	}
	go handleInterrupt()
}

type manager struct {
	// only one signal handler should be installed, so we use a cond to
	// broadcast to workers that an interrupt has occurred
	c *sync.Cond
	// we record whether we have broadcast in the past
	seenSignal bool
	// we want to ensure that all registered servers and workers get a
	// chance to shut down before the process exits
	wg sync.WaitGroup
}

// handleInterrupt turns an interrupt into a broadcast for our condition.
// This must be called before any work is registered with the manager or
// there is a deadlock potential.
func handleInterrupt() {
	signalsLock.Lock()
	sigChan := signals()
	signalsLock.Unlock()
	s := <-sigChan
	logrus.WithField("signal", s).Info("Received signal.")
	single.c.L.Lock()
	single.seenSignal = true
	single.c.Broadcast()
	single.c.L.Unlock()
}

// test initialization will set the signals channel in another goroutine
// so we need to synchronize that in order to not trigger the race detector
// even though we know that init() is called first and no signals will be
// sent
var signalsLock = sync.Mutex{}

// signals allows for injection of mock signals in testing
var signals = func() <-chan os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	return sig
}

// wait executes the cancel when an interrupt is seen or if one has already
// been handled
func wait(cancel func()) {
	single.c.L.Lock()
	if !single.seenSignal {
		single.c.Wait()
	}
	single.c.L.Unlock()
	cancel()
}

var gracePeriod = time.Minute

// WaitForGracefulShutdown waits until all registered servers and workers
// have finished shutting down, or for a maximum of the grace period. Call
// this at the end of main so that cleanup started by the other helpers in
// this package can run to completion.
func WaitForGracefulShutdown() {
	wait(func() {
		logrus.Info("Interrupt received.")
	})
	finished := make(chan struct{})
	go func() {
		single.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		logrus.Info("All workers gracefully terminated, exiting.")
	case <-time.After(gracePeriod):
		logrus.Warn("Timed out waiting for workers to gracefully terminate, exiting.")
	}
}

// Context returns a context that is cancelled when an interrupt hits.
// Using this context is a weak guarantee that your work will finish before
// process exit, as the process will only wait for the context to be
// cancelled, not for the work consuming it to react. Callers that need
// a strong guarantee should use Run instead.
func Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	single.wg.Add(1)
	go wait(func() {
		cancel()
		single.wg.Done()
	})
	return ctx
}

// Run starts the work in a goroutine, passing it a context that is
// cancelled when an interrupt is received. The process will not exit until
// the work returns or the grace period elapses.
func Run(work func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		work(ctx)
	}()

	go wait(cancel)
}

// ListenAndServe runs the HTTP server and shuts it down gracefully on
// interrupt, waiting up to gracePeriod for in-flight requests to finish.
func ListenAndServe(server *http.Server, gracePeriod time.Duration) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		logrus.WithError(server.ListenAndServe()).Info("Server exited.")
	}()

	go wait(func() {
		ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		defer cancel()
		logrus.WithError(server.Shutdown(ctx)).Info("Server shut down.")
	})
}

// Tick runs the work on a loop, sleeping between executions for the
// duration returned by the interval func. The first execution happens
// immediately. The loop stops when an interrupt is received; work that is
// already running will block process exit until it returns.
func Tick(work func(), interval func() time.Duration) {
	before := time.Time{} // the zero value means work begins right away
	sig := make(chan int, 1)
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		for {
			nextTick := before.Add(interval())
			select {
			case <-time.After(time.Until(nextTick)):
				before = time.Now()
				work()
			case <-sig:
				logrus.Info("Worker shutting down.")
				return
			}
		}
	}()

	go wait(func() {
		sig <- 1
	})
}

// TickLiteral runs Tick with an unchanging interval.
func TickLiteral(work func(), interval time.Duration) {
	Tick(work, func() time.Duration {
		return interval
	})
}

// OnInterrupt ensures that work is done when an interrupt is received.
// The process will not exit until the work returns or the grace period
// elapses.
func OnInterrupt(work func()) {
	single.wg.Add(1)
	go wait(func() {
		work()
		single.wg.Done()
	})
}
