package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loykin/pkgfeed/internal/logger"
	"github.com/loykin/pkgfeed/internal/staticserver"
)

// runServeStatic is the body of the static service. Its access log goes to stdout,
// which the supervisor redirects into the service log file.
func runServeStatic(ctx context.Context, f ServeStaticFlags) error {
	info, err := os.Stat(f.Root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", f.Root)
	}
	log, closer := logger.New(logger.Config{NoColor: true}, "static", os.Stdout)
	defer func() { _ = closer.Close() }()
	log.Info("serving static files", "root", f.Root, "addr", f.Addr)
	return staticserver.ListenAndServe(ctx, f.Addr, staticserver.NewRouter(f.Root, log))
}
