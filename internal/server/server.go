package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/sirupsen/logrus"
)

type ServerType int

const (
	Websocket ServerType = iota
	HTTP
)

// shutdownTimeout bounds how long in-flight requests may take once the server is stopped
const shutdownTimeout = 5 * time.Second

// A Server accepts tasks over the network and executes them with an orchestrator
type Server interface {
	Handler() http.Handler
	// Wait blocks until all submitted tasks are done
	Wait()
}

// NewServer creates a server of the given type. Tasks are executed with copies of orchestrator,
// at most maxConcurrent at once, and get cancelled once ctx is done.
func NewServer(ctx context.Context, serverType ServerType, orchestrator *versisect.Orchestrator, maxConcurrent uint, log *logrus.Logger) (Server, error) {
	switch serverType {
	case Websocket:
		return newWebsocketServer(ctx, orchestrator, maxConcurrent, log), nil
	case HTTP:
		return newHTTPServer(ctx, orchestrator, maxConcurrent, log), nil
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}

// Run serves the task server on localhost:port until ctx is done
func Run(ctx context.Context, serverType ServerType, port int, orchestrator *versisect.Orchestrator, maxConcurrent uint, log *logrus.Logger) error {
	server, err := NewServer(ctx, serverType, orchestrator, maxConcurrent, log)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	log.Infof("Task server listening on %s", httpServer.Addr)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down task server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	server.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
