package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/applinkdev/applink/internal/auth"
	"github.com/applinkdev/applink/internal/link/eventstream"
	"github.com/applinkdev/applink/internal/link/session"
	"github.com/applinkdev/applink/internal/link/upload"
	"github.com/applinkdev/applink/internal/metrics"
	"github.com/applinkdev/applink/internal/project"
	"github.com/applinkdev/applink/internal/relay"
	"github.com/applinkdev/applink/internal/retry"
	"github.com/applinkdev/applink/internal/state"
	"github.com/applinkdev/applink/internal/ui"
	"github.com/applinkdev/applink/internal/updater"
)

var linkCmd = &cobra.Command{
	Use:     "link [dir]",
	GroupID: "link",
	Short:   "Upload the app to the builder and keep it in sync",
	Long: `Upload the app in dir (default: the current directory) to the builder
of the logged-in workspace, wait for the first build, then watch the project
and send every saved change as an incremental upload.

Build results and builder logs are streamed to the terminal. Press Ctrl+C to
stop; the app stays linked with whatever was last uploaded.

Example usage:
  applink link                    # Link and watch the current directory
  applink link --no-watch         # Link once and exit with the build result
  applink link --relay-port 9000  # Rebroadcast events on ws://127.0.0.1:9000/ws`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLink,
}

func runLink(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	clean, _ := flags.GetBool("clean")
	setup, _ := flags.GetBool("setup")
	noWatch, _ := flags.GetBool("no-watch")
	unsafe, _ := flags.GetBool("unsafe")
	assumeYes, _ := flags.GetBool("yes")

	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	manifest, err := project.ReadManifest(root)
	if err != nil {
		return err
	}
	locator := manifest.Locator()
	printer := ui.Stderr()

	provider := auth.FileProvider{Path: cfg.Session.File}
	sess, err := provider.Session()
	if err != nil {
		return err
	}
	if exp, ok := auth.TokenExpiry(sess.Token); ok && time.Until(exp) < time.Hour {
		printer.Warnf("your session expires at %s, log in again to avoid interruptions", exp.Local().Format(time.Kitchen))
	}
	if err := ui.GuardWorkspace(sess, assumeYes, nil); err != nil {
		return err
	}

	matcher, err := project.NewMatcher(root)
	if err != nil {
		return err
	}
	reg := metrics.New()

	backoff := retry.DefaultConfig()
	backoff.MaxAttempts = cfg.Link.Retry.Attempts
	backoff.InitialWait = cfg.Link.Retry.InitialWait
	backoff.Multiplier = cfg.Link.Retry.Multiplier

	uploader, err := upload.New(upload.Config{
		BuilderURL:      cfg.Builder.URL,
		Auth:            provider,
		Locator:         locator,
		Root:            root,
		Tag:             "applink",
		Options:         upload.Options{CleanCache: clean, Unsafe: unsafe, Sticky: true},
		MaxProjectBytes: cfg.Link.MaxProjectBytes,
		MaxChangeBytes:  cfg.Link.MaxChangeBytes,
		MaxFileBytes:    cfg.Link.MaxFileBytes,
		AttemptTimeout:  cfg.Link.AttemptTimeout,
		Retry:           backoff,
		Snapshot:        session.Snapshot(root, matcher),
		Metrics:         reg,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	events, err := eventstream.New(eventstream.Config{
		URL:              cfg.Events.URL,
		Auth:             provider,
		Subject:          locator.Subject(),
		HeartbeatTimeout: cfg.Stream.HeartbeatTimeout,
		MaxRetries:       cfg.Stream.MaxRetries,
		RetryDelay:       cfg.Stream.RetryDelay,
		Metrics:          reg,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	updaters, err := updater.NewRegistry().Build(root, cfg.Updaters, logger)
	if err != nil {
		return err
	}

	var recorder session.Recorder
	db, err := state.Open(cfg.State.Path)
	if err != nil {
		logger.Warn("build history disabled", zap.Error(err))
	} else {
		defer db.Close()
		recorder = db
	}

	var publisher session.Publisher
	if cfg.Relay.Port > 0 {
		srv := relay.New(relay.Config{
			Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Relay.Port),
			App:     locator.String(),
			Metrics: reg,
			Logger:  logger,
		})
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		printer.Infof("relaying build events on ws://%s/ws", srv.Addr())
		publisher = srv
	}

	s, err := session.New(session.Config{
		Root:         root,
		Locator:      locator,
		Workspace:    sess.Workspace,
		Matcher:      matcher,
		Includes:     cfg.Link.Includes,
		Uploader:     uploader,
		Events:       events,
		Watch:        !noWatch,
		Debounce:     cfg.Link.Debounce,
		Stability:    cfg.Link.Stability,
		BuildTimeout: cfg.Link.BuildTimeout,
		Updaters:     updaters,
		Setup:        setup,
		State:        recorder,
		Relay:        publisher,
		Printer:      printer,
		Metrics:      reg,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	return s.Run(cmd.Context())
}

func init() {
	linkCmd.Flags().Bool("clean", false, "Ask the builder to drop its dependency cache")
	linkCmd.Flags().Bool("setup", false, "Run every configured updater before the first upload")
	linkCmd.Flags().Bool("no-watch", false, "Upload once, wait for the build and exit")
	linkCmd.Flags().Bool("unsafe", false, "Report type errors as warnings instead of failing the build")
	linkCmd.Flags().BoolP("yes", "y", false, "Do not ask before linking into a production workspace")
	linkCmd.Flags().Int("relay-port", 0, "Serve build events and metrics on this local port")
	cobra.CheckErr(loader.BindFlag("relay.port", linkCmd.Flags().Lookup("relay-port")))

	rootCmd.AddCommand(linkCmd)
}
