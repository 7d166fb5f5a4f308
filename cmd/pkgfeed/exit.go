package main

import (
	"errors"

	"github.com/loykin/pkgfeed/internal/credential"
	"github.com/loykin/pkgfeed/internal/mirror"
	"github.com/loykin/pkgfeed/internal/process"
	"github.com/loykin/pkgfeed/internal/publish"
	"github.com/loykin/pkgfeed/internal/readiness"
	"github.com/loykin/pkgfeed/internal/syncer"
)

// Process exit codes, one per failure category.
const (
	ExitOK         = 0
	ExitOther      = 1
	ExitReadiness  = 2
	ExitSpawn      = 3
	ExitCredential = 4
	ExitManifest   = 5
	ExitMirror     = 6
	ExitPublish    = 7
)

func exitCode(err error) int {
	var (
		readyErr    *readiness.TimeoutError
		spawnErr    *process.SpawnError
		credErr     *credential.Error
		formatErr   *syncer.ManifestFormatError
		notFoundErr *syncer.ManifestNotFoundError
		mirrorErr   *mirror.Error
		publishErr  *publish.Error
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &readyErr):
		return ExitReadiness
	case errors.As(err, &spawnErr):
		return ExitSpawn
	case errors.As(err, &credErr):
		return ExitCredential
	case errors.As(err, &formatErr), errors.As(err, &notFoundErr):
		return ExitManifest
	case errors.As(err, &mirrorErr):
		return ExitMirror
	case errors.As(err, &publishErr):
		return ExitPublish
	default:
		return ExitOther
	}
}
