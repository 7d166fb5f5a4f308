// Package staticserver is the file responder run as the "static" service. It serves
// the public asset tree read-only and answers /-/ping for the readiness gate.
package staticserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// PingPath answers 200 once the listener is up.
const PingPath = "/-/ping"

type okResp struct {
	OK bool `json:"ok"`
}

// NewRouter returns a gin handler serving files below root. Directory listings are off.
func NewRouter(root string, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	g := gin.New()
	g.Use(gin.Recovery(), accessLog(log))
	g.GET(PingPath, func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	g.HEAD(PingPath, func(c *gin.Context) { c.Status(http.StatusOK) })

	files := http.FileServer(gin.Dir(root, false))
	g.NoRoute(func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead:
			files.ServeHTTP(c.Writer, c.Request)
		default:
			c.Header("Allow", "GET, HEAD")
			c.AbortWithStatus(http.StatusMethodNotAllowed)
		}
	})
	return g
}

func accessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

func newServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs h on ln until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := newServer(h)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errc
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, h)
}
