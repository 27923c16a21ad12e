// Package interrupt runs registered shutdown handlers once, on SIGINT, SIGTERM
// or a programmatic Request, in the reverse order of registration.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/Hubmakerlabs/outboxr/pkg/slog"
)

var log, _ = slog.New(os.Stderr)

type HandlerWithSource struct {
	Source string
	Fn     func()
}

var (
	requested atomic.Bool
	start     sync.Once

	// signals is the list of signals that cause the interrupt
	signals = []os.Signal{os.Interrupt, syscall.SIGTERM}

	// shutdownRequest is closed by Request.
	shutdownRequest = make(chan struct{})
	requestOnce     sync.Once

	// addHandlerChan feeds new handlers to the listener.
	addHandlerChan = make(chan HandlerWithSource)

	// HandlersDone is closed after all interrupt handlers ran.
	HandlersDone = make(chan struct{})
)

// listener collects handlers until a signal or a shutdown request arrives,
// then runs them.
func listener(ch chan os.Signal) {
	var handlers []HandlerWithSource
	invoke := func() {
		requested.Store(true)
		log.D.Ln("running", len(handlers), "interrupt handlers")
		for i := len(handlers) - 1; i >= 0; i-- {
			log.T.Ln("running handler added by", handlers[i].Source)
			handlers[i].Fn()
		}
		log.D.Ln("interrupt handlers finished")
		signal.Stop(ch)
		close(HandlersDone)
	}
	for {
		select {
		case sig := <-ch:
			log.I.Ln("received signal", sig, "- shutting down")
			invoke()
			return
		case <-shutdownRequest:
			log.D.Ln("received shutdown request")
			invoke()
			return
		case h := <-addHandlerChan:
			handlers = append(handlers, h)
		}
	}
}

func listen() {
	start.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, signals...)
		go listener(ch)
	})
}

// AddHandler adds a handler to call on interrupt. Handlers added after the
// interrupt ran are called immediately.
func AddHandler(fn func()) {
	_, loc, line, _ := runtime.Caller(1)
	h := HandlerWithSource{Source: fmt.Sprintf("%s:%d", loc, line), Fn: fn}
	log.T.Ln("handler added by", h.Source)
	listen()
	select {
	case addHandlerChan <- h:
	case <-HandlersDone:
		fn()
	}
}

// Request programmatically requests a shutdown.
func Request() {
	_, f, l, _ := runtime.Caller(1)
	log.D.Ln("interrupt requested by", fmt.Sprintf("%s:%d", f, l))
	listen()
	requestOnce.Do(func() { close(shutdownRequest) })
}

// Requested returns true if an interrupt has been requested
func Requested() bool { return requested.Load() }

// GoroutineDump returns a string with the current goroutine dump in order to
// show what's going on in case of timeout.
func GoroutineDump() string {
	buf := make([]byte, 1<<18)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
