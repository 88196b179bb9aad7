package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sync-service/internal/client"
	"sync-service/internal/config"
	"sync-service/internal/reconcile"
)

var watchTimeout time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [ws-url] [code]",
	Short: "Join a room as a listener and log what a synced player would do",
	Args:  cobra.ExactArgs(2),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 5*time.Second, "request/ack timeout")
}

func runWatch(cmd *cobra.Command, args []string) error {
	url, code := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, url, client.WithTimeout(watchTimeout), client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	room, err := c.JoinRoom(ctx, code)
	if err != nil {
		return fmt.Errorf("join %s: %w", code, err)
	}
	logger.Info("joined",
		zap.String("room_code", room.Code),
		zap.String("conn_id", c.ID()),
		zap.String("host", room.HostID),
		zap.Int("participants", room.ParticipantCount),
		zap.Duration("server_skew", c.ServerSkew()),
	)

	player := &logPlayer{log: logger.Named("player")}
	rec := reconcile.New(player,
		reconcile.WithLogger(logger.Named("reconcile")),
		reconcile.WithReporter(reconcile.NewReporter(c, reconcile.DefaultSpacing, nil)),
		reconcile.WithErrorHandler(func(err error) {
			logger.Warn("playback error", zap.Error(err))
		}),
	)
	rec.SetHost(room.HostID == c.ID())
	if room.CurrentTrack != nil {
		_ = rec.Apply(*room.CurrentTrack)
	}

	rec.Run(ctx, c.Events(), c.ID())
	return nil
}

// logPlayer is a Player with no media; it logs each call.
type logPlayer struct {
	log *zap.Logger

	mu    sync.Mutex
	video string
}

func (p *logPlayer) VideoID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

func (p *logPlayer) Load(videoID string, at float64) error {
	p.mu.Lock()
	p.video = videoID
	p.mu.Unlock()
	p.log.Info("load", zap.String("video_id", videoID), zap.Float64("at", at))
	return nil
}

func (p *logPlayer) Seek(at float64) error {
	p.log.Info("seek", zap.Float64("at", at))
	return nil
}

func (p *logPlayer) Play() error {
	p.log.Info("play")
	return nil
}

func (p *logPlayer) Pause() error {
	p.log.Info("pause")
	return nil
}
