package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/media"
	"github.com/adityaadpandey/meshcall/internals/peer"
	"github.com/adityaadpandey/meshcall/internals/session"
	"github.com/adityaadpandey/meshcall/internals/signaling"
	"github.com/adityaadpandey/meshcall/internals/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagName       string
	flagAutoGrant  bool
	flagShare      bool
	flagNoVideo    bool
	flagStatsEvery time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and stay until interrupted",
	Long: `Join a room and keep a connection to every other member until
interrupted.

Examples:
  meshpeer join standup
  meshpeer join standup --share --stats 5s
  meshpeer join standup -s wss://hub.example.com/ws --auto-grant`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), args[0])
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "meshpeer", "display name shown in share requests")
	joinCmd.Flags().BoolVar(&flagAutoGrant, "auto-grant", false, "hand over presenting to anyone who asks")
	joinCmd.Flags().BoolVar(&flagShare, "share", false, "request the presenter token after joining")
	joinCmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "join audio-only")
	joinCmd.Flags().DurationVar(&flagStatsEvery, "stats", 0, "print a peer table at this interval")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if flagServer != "" {
		cfg.Client.ServerURL = flagServer
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

func runJoin(parent context.Context, room string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := utils.InitLogger(cfg.Logging.Level, "console"); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := utils.Named("meshpeer")
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println(titleStyle.Render("Connecting to " + cfg.Client.ServerURL))
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Client.JoinTimeout)
	conn, err := signaling.Dial(dialCtx, cfg.Client.ServerURL, utils.Named("signaling"))
	cancel()
	if err != nil {
		return err
	}

	factory, err := peer.NewPionFactory(utils.Named("peer"))
	if err != nil {
		conn.Close()
		return err
	}

	capturer := &media.StaticCapturer{Pump: true, Logger: utils.Named("capture")}
	if flagNoVideo {
		capturer.FailVideo = errors.New("video disabled")
	}

	policy := session.DenyAll
	if flagAutoGrant {
		policy = session.AllowAll
	}

	mgr := session.NewManager(conn, session.Options{
		Config:      cfg.Client,
		Factory:     factory,
		Media:       media.NewController(capturer, utils.Named("media")),
		DisplayName: flagName,
		Policy:      policy,
		Logger:      utils.Named("session"),
		OnEvent: func(ev session.Event) {
			fmt.Println(describeEvent(ev))
		},
	})
	defer mgr.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()

	if err := mgr.Join(ctx, room); err != nil {
		return err
	}
	logger.Info("Joined", zap.String("room", room), zap.String("self", mgr.Self().String()))

	if flagShare {
		if err := mgr.RequestShare(); err != nil {
			printError(err.Error())
		}
	}

	var statsC <-chan time.Time
	if flagStatsEvery > 0 {
		ticker := time.NewTicker(flagStatsEvery)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println(mutedStyle.Render("Leaving " + room))
			return nil
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-statsC:
			fmt.Println(peersView(mgr.Peers()))
		}
	}
}
