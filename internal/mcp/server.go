package mcp

import (
	"context"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/mailcode/internal/obs"
	"github.com/kuitang/mailcode/internal/verify"
)

// Server exposes verification code retrieval as MCP tools, so a browser
// automation agent can ask for the code it just triggered.
type Server struct {
	mcpServer   *mcp.Server
	handler     *Handler
	httpHandler http.Handler
}

// NewServer creates a new MCP server over a connected Retriever.
func NewServer(r *verify.Retriever, defaults Defaults, version string) *Server {
	handler := NewHandler(r, defaults)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "mailcode",
			Version: version,
		},
		nil,
	)

	for _, tool := range ToolDefinitions() {
		mcp.AddTool(mcpServer, tool, handler.createToolHandler(tool.Name))
	}

	// Stateless JSON responses: every call is independent.
	httpHandler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return mcpServer },
		&mcp.StreamableHTTPOptions{
			JSONResponse: true,
			Stateless:    true,
		},
	)

	return &Server{
		mcpServer:   mcpServer,
		handler:     handler,
		httpHandler: httpHandler,
	}
}

// RunStdio serves MCP over stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves one session over t. Used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (w *statusRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// ServeHTTP implements the Streamable HTTP transport on a single endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := obs.Pkg("mcp").With("method", r.Method, "path", r.URL.Path)
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	defer func() {
		if v := recover(); v != nil {
			l.Error("mcp_handler_panic", "panic", v)
			if !rec.wrote {
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}
	}()

	start := time.Now()
	s.httpHandler.ServeHTTP(rec, r)
	if !rec.wrote {
		l.Error("mcp_handler_no_response")
		http.Error(w, "MCP handler returned without writing response", http.StatusInternalServerError)
		return
	}

	l = l.With("status", rec.statusCode, "duration_ms", time.Since(start).Milliseconds())
	if rec.statusCode >= http.StatusBadRequest {
		l.Warn("mcp_request_failed")
		return
	}
	l.Debug("mcp_request")
}

// ListenAndServe serves the Streamable HTTP endpoint at /mcp until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long enough for the longest wait_for_verification_code call.
		WriteTimeout: 11 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	obs.Pkg("mcp").Info("mcp_listening", "addr", addr, "path", "/mcp")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
