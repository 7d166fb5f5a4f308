package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/pkgfeed/internal/config"
	"github.com/loykin/pkgfeed/internal/history"
	"github.com/loykin/pkgfeed/internal/history/factory"
	"github.com/loykin/pkgfeed/internal/logger"
	"github.com/loykin/pkgfeed/internal/metrics"
	"github.com/loykin/pkgfeed/internal/pipeline"
	"github.com/loykin/pkgfeed/internal/supervisor"
)

// app holds everything one command invocation needs.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	logClose io.Closer
	history  *history.Recorder
	pipeline *pipeline.Pipeline
}

func openApp(flags *GlobalFlags) (*app, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	lc := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	serviceLogs := lc
	if cfg.Log.File {
		lc.Dir = cfg.Paths.Logs
	}
	log, closer := logger.New(lc, "pkgfeed", os.Stderr)
	slog.SetDefault(log)

	if err := metrics.Register(prometheus.NewRegistry()); err != nil {
		log.Warn("metrics disabled", "error", err)
	}

	rec := &history.Recorder{RunID: uuid.NewString(), Log: log.With("component", "history")}
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("history disabled", "dsn", cfg.History.DSN, "error", err)
		} else {
			rec.Sinks = append(rec.Sinks, sink)
		}
	}

	p, err := pipeline.New(cfg, pipeline.Options{Log: log, History: rec, ServiceLogs: serviceLogs})
	if err != nil {
		_ = rec.Close()
		_ = closer.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, logClose: closer, history: rec, pipeline: p}, nil
}

func (a *app) Close() {
	if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.Warn("write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
	}
	if err := a.history.Close(); err != nil {
		a.log.Warn("close history", "error", err)
	}
	_ = a.logClose.Close()
}

// withApp opens the app for one command and always closes it.
func withApp(flags *GlobalFlags, fn func(a *app) error) error {
	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (a *app) Run(cmd *cobra.Command) error {
	res, err := a.pipeline.Run(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, sr := range res.Started {
		name := a.pipeline.Endpoints[i].Service
		if sr.AlreadyRunning {
			_, _ = fmt.Fprintf(out, "%s: already running (pid %d)\n", name, sr.Handle.PID)
		} else {
			_, _ = fmt.Fprintf(out, "%s: started (pid %d, log %s)\n", name, sr.Handle.PID, sr.Handle.LogFile)
		}
	}
	_, _ = fmt.Fprintf(out, "registry ready at %s as %s\n", a.cfg.Registry.URL, res.Account.Username)
	return nil
}

func (a *app) Stop(cmd *cobra.Command) error {
	results, err := a.pipeline.Stop(cmd.Context())
	out := cmd.OutOrStdout()
	eps := a.pipeline.Endpoints
	for i, r := range results {
		name := eps[len(eps)-1-i].Service
		if r.WasRunning {
			_, _ = fmt.Fprintf(out, "%s: stopped (pid %d)\n", name, r.PID)
		} else {
			_, _ = fmt.Fprintf(out, "%s: not running\n", name)
		}
	}
	return err
}

func (a *app) Status(cmd *cobra.Command) error {
	sts, err := a.pipeline.Status()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTATE\tPID\tCPU\tMEMORY")
	for _, st := range sts {
		if st.State != supervisor.StateRunning {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\n", st.Name, st.State)
			continue
		}
		m, err := metrics.SampleProcess(cmd.Context(), st.Name, st.PID)
		if err != nil {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t?\t?\n", st.Name, st.State, st.PID)
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f%%\t%.1f MB\n", st.Name, st.State, st.PID, m.CPUPercent, m.MemoryMB)
	}
	return tw.Flush()
}

func (a *app) Update(cmd *cobra.Command, force bool) error {
	sum, err := a.pipeline.Update(cmd.Context(), force)
	sum.Print(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return sum.Err()
}

func (a *app) Unpublish(cmd *cobra.Command, spec string) error {
	if err := a.pipeline.Unpublish(cmd.Context(), spec); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "unpublished %s\n", spec)
	return nil
}
