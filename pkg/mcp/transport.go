package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// ServeOptions selects the transport and its listener.
type ServeOptions struct {
	Transport string
	Addr      string
	// BaseURL is the public URL the SSE transport advertises for /message.
	BaseURL string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// Stdin and Stdout default to the process streams for stdio.
	Stdin  io.Reader
	Stdout io.Writer
	Logger *slog.Logger
}

const shutdownTimeout = 10 * time.Second

// Serve runs the gateway on the selected transport until ctx is done.
func (g *Gateway) Serve(ctx context.Context, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = g.logger
	}
	switch opts.Transport {
	case TransportStdio:
		stdin, stdout := opts.Stdin, opts.Stdout
		if stdin == nil {
			stdin = os.Stdin
		}
		if stdout == nil {
			stdout = os.Stdout
		}
		stdio := server.NewStdioServer(g.mcpServer)
		logger.Info("serving MCP over stdio", "tools", g.Tools())
		err := stdio.Listen(ctx, stdin, stdout)
		if err != nil && !stderrors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case TransportSSE, TransportHTTP:
		handler := g.Handler(opts)
		srv := &http.Server{
			Addr:              opts.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("serving MCP over HTTP", "transport", opts.Transport, "addr", opts.Addr, "tools", g.Tools())
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		logger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sse, ok := handler.(*routedHandler); ok && sse.sse != nil {
			_ = sse.sse.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	default:
		return fmt.Errorf("unsupported transport %q", opts.Transport)
	}
}

// routedHandler serves the MCP endpoints next to /healthz and /metrics.
type routedHandler struct {
	*http.ServeMux
	sse *server.SSEServer
}

// Handler returns the HTTP handler for the sse or http transport:
// SSE at /sse and /message, streamable HTTP at /mcp.
func (g *Gateway) Handler(opts ServeOptions) http.Handler {
	mux := http.NewServeMux()
	h := &routedHandler{ServeMux: mux}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","tools":%d}`, len(g.tools))
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}
	switch opts.Transport {
	case TransportSSE:
		var sseOpts []server.SSEOption
		if opts.BaseURL != "" {
			sseOpts = append(sseOpts, server.WithBaseURL(opts.BaseURL))
		}
		h.sse = server.NewSSEServer(g.mcpServer, sseOpts...)
		mux.Handle("/sse", h.sse.SSEHandler())
		mux.Handle("/message", h.sse.MessageHandler())
	default:
		mux.Handle("/mcp", server.NewStreamableHTTPServer(g.mcpServer))
	}
	return h
}
