package pipeline

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loykin/pkgfeed/internal/publish"
	"github.com/loykin/pkgfeed/internal/syncer"
)

// Summary is the console report of one update.
type Summary struct {
	RunID    string
	Force    bool
	Duration time.Duration

	Mirrored     []string
	MirrorErrors []error

	Published     []publish.Unit
	Skipped       []publish.Unit
	PublishFailed []publish.Unit
	PublishErrors []error

	SyncRan bool
	Sync    syncer.Result
}

// Err joins the per-unit failures. Mirror errors come first so callers using
// errors.As see the most severe category.
func (s Summary) Err() error {
	errs := make([]error, 0, len(s.MirrorErrors)+len(s.PublishErrors)+len(s.Sync.Errors))
	errs = append(errs, s.MirrorErrors...)
	errs = append(errs, s.PublishErrors...)
	errs = append(errs, s.Sync.Errors...)
	return errors.Join(errs...)
}

func (s Summary) String() string {
	return fmt.Sprintf("mirrored=%d mirror_failed=%d published=%d skipped=%d publish_failed=%d downloaded=%d sync_skipped=%d sync_failed=%d",
		len(s.Mirrored), len(s.MirrorErrors), len(s.Published), len(s.Skipped), len(s.PublishFailed),
		s.Sync.Downloaded, s.Sync.Skipped, s.Sync.Failed)
}

// Print writes the human summary shown at the end of update.
func (s Summary) Print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Update summary")
	if s.RunID != "" {
		_, _ = fmt.Fprintf(w, " (run %s)", s.RunID)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "  repositories: %d mirrored, %d failed\n", len(s.Mirrored), len(s.MirrorErrors))
	for _, err := range s.MirrorErrors {
		_, _ = fmt.Fprintf(w, "    ! %v\n", err)
	}
	_, _ = fmt.Fprintf(w, "  packages:     %d published, %d skipped, %d failed\n", len(s.Published), len(s.Skipped), len(s.PublishFailed))
	for _, u := range s.Skipped {
		_, _ = fmt.Fprintf(w, "    - skip %s (already published)\n", u.Spec())
	}
	for _, err := range s.PublishErrors {
		_, _ = fmt.Fprintf(w, "    ! %v\n", err)
	}
	if s.SyncRan {
		_, _ = fmt.Fprintf(w, "  resources:    %d downloaded, %d skipped, %d failed\n", s.Sync.Downloaded, s.Sync.Skipped, s.Sync.Failed)
	} else {
		_, _ = fmt.Fprintln(w, "  resources:    not synced")
	}
	if s.Duration > 0 {
		_, _ = fmt.Fprintf(w, "  took %s\n", s.Duration.Round(time.Millisecond))
	}
}
