package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"conclave/internal/logging"
)

const httpShutdownTimeout = 10 * time.Second

type managedServer struct {
	name     string
	serve    func() error
	shutdown func(context.Context) error
}

type serverRunner struct {
	logger          *logging.Logger
	shutdownTimeout time.Duration
}

type serveError struct {
	name string
	err  error
}

// run serves until the stop context is cancelled or a server fails,
// then shuts the remaining servers down with a bounded timeout.
func (runner *serverRunner) run(stop context.Context, servers ...managedServer) *serveError {
	started := 0
	errorsChan := make(chan serveError, len(servers))
	for _, server := range servers {
		if server.serve == nil {
			continue
		}
		started++
		go func() {
			errorsChan <- serveError{name: server.name, err: server.serve()}
		}()
	}

	if started == 0 {
		return nil
	}

	var initialError *serveError
	select {
	case err := <-errorsChan:
		initialError = &err
	case <-stop.Done():
	}

	runner.logError(initialError)

	timeout := runner.shutdownTimeout
	if timeout <= 0 {
		timeout = httpShutdownTimeout
	}
	shutdownContext, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, server := range servers {
		if server.shutdown == nil {
			continue
		}
		if err := server.shutdown(shutdownContext); err != nil && runner.logger != nil {
			runner.logger.Warn(fmt.Sprintf("%s server shutdown failed", server.name), map[string]string{
				"error": err.Error(),
			})
		}
	}

	runner.drain(errorsChan, started, initialError != nil, timeout)
	return initialError
}

func (runner *serverRunner) logError(serverErr *serveError) {
	if runner == nil || runner.logger == nil || serverErr == nil || serverErr.err == nil {
		return
	}
	if errors.Is(serverErr.err, http.ErrServerClosed) {
		return
	}
	runner.logger.Error("http server stopped", map[string]string{
		"server": serverErr.name,
		"error":  serverErr.err.Error(),
	})
}

func (runner *serverRunner) drain(errorsChan <-chan serveError, total int, initialLogged bool, timeout time.Duration) {
	if total <= 0 {
		return
	}
	pending := total
	if initialLogged {
		pending--
	}
	for range pending {
		select {
		case err := <-errorsChan:
			runner.logError(&err)
		case <-time.After(timeout):
			return
		}
	}
}

func listenOnPort(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}
