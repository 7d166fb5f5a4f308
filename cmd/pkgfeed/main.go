package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	updateFlags := &UpdateFlags{}
	staticFlags := &ServeStaticFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createStopCommand(globalFlags),
		createStatusCommand(globalFlags),
		createUpdateCommand(globalFlags, updateFlags),
		createUnpublishCommand(globalFlags),
		createServeStaticCommand(staticFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pkgfeed",
		Short: "Local package registry supervisor and feed updater",
		Long: `pkgfeed runs a local package registry and a static asset server, and keeps
them fed from a set of remote repositories.

Examples:
  pkgfeed run                       # start services and set up credentials
  pkgfeed update                    # mirror repositories, publish packages, sync assets
  pkgfeed update --force            # republish versions that already exist
  pkgfeed unpublish my-lib@1.2.0
  pkgfeed status
  pkgfeed stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default pkgfeed.toml when present)")

	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the registry and static server and ensure the default account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(globalFlags, func(a *app) error { return a.Run(cmd) })
		},
	}
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the supervised services and their child processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(globalFlags, func(a *app) error { return a.Stop(cmd) })
		},
	}
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether each service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(globalFlags, func(a *app) error { return a.Status(cmd) })
		},
	}
}

func createUpdateCommand(globalFlags *GlobalFlags, flags *UpdateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Mirror repositories, publish their packages and sync resources",
		Long: `Start the services if needed, then for every configured repository download
and extract its archive and publish its packages, and finally download the files
listed by the resource manifest.

Packages whose exact version is already in the registry are skipped, and resource
files already on disk are left alone, unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(globalFlags, func(a *app) error { return a.Update(cmd, flags.Force) })
		},
	}
	cmd.Flags().BoolVarP(&flags.Force, "force", "f", false, "republish existing versions and re-download existing files")
	return cmd
}

func createUnpublishCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <name>[@version]",
		Short: "Remove a package or one version of it from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(globalFlags, func(a *app) error { return a.Unpublish(cmd, args[0]) })
		},
	}
}

func createServeStaticCommand(flags *ServeStaticFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "serve-static",
		Short:  "Serve the public asset directory (run by the supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeStatic(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Root, "root", "", "directory to serve (required)")
	cmd.Flags().StringVar(&flags.Addr, "addr", "127.0.0.1:8081", "listen address")
	if err := cmd.MarkFlagRequired("root"); err != nil {
		panic(err)
	}
	return cmd
}
