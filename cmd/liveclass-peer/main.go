// Command liveclass-peer is a headless classroom participant. It joins a
// session on a relay, publishes camera and microphone unless -no-media is
// set, and stays until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/classroom"
	"liveclass/internal/config"
	"liveclass/internal/drawing"
	"liveclass/internal/logger"
	"liveclass/internal/media"
	"liveclass/internal/media/capture"
	"liveclass/internal/monitor"
	"liveclass/internal/peer"
	"liveclass/internal/signaling"
	"liveclass/pkg/types"
)

type flags struct {
	configPath string
	serverURL  string
	userID     string
	sessionID  string
	role       string
	name       string
	tier       string
	noMedia    bool
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("liveclass-peer", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", os.Getenv("LIVECLASS_CONFIG_FILE"), "path to a YAML or JSON config file")
	fs.StringVar(&f.serverURL, "server", "", "relay WebSocket URL, overrides classroom.server_url")
	fs.StringVar(&f.userID, "user", "", "participant id")
	fs.StringVar(&f.sessionID, "session", "", "session id")
	fs.StringVar(&f.role, "role", string(types.RoleStudent), "teacher or student")
	fs.StringVar(&f.name, "name", "", "display name")
	fs.StringVar(&f.tier, "tier", "high", "starting capture tier: high, medium or low")
	fs.BoolVar(&f.noMedia, "no-media", false, "join without camera and microphone")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	if !types.IsValidUserID(f.userID) {
		return f, fmt.Errorf("-user: %w", types.ErrInvalidUserID)
	}
	if f.sessionID == "" {
		return f, errors.New("-session is required")
	}
	if !types.IsValidRole(types.Role(f.role)) {
		return f, fmt.Errorf("-role must be teacher or student, got %q", f.role)
	}
	if _, err := media.ParseTier(f.tier); err != nil {
		return f, fmt.Errorf("-tier: %w", err)
	}
	return f, nil
}

func run() error {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	tier, _ := media.ParseTier(f.tier)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.serverURL != "" {
		cfg.Classroom.ServerURL = f.serverURL
	}
	if cfg.Classroom.ServerURL == "" {
		return errors.New("no relay URL: set -server or classroom.server_url")
	}

	zl, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.With(zap.String("user_id", f.userID), zap.String("session_id", f.sessionID))

	id := classroom.Identity{UserID: f.userID, Name: f.name, Role: types.Role(f.role)}
	orch, peers, err := build(cfg, f, tier, id, zl)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	joinCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = orch.Join(joinCtx)
	cancel()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zl.Info("received shutdown signal")
			return orch.Leave()
		case <-ticker.C:
			s := peers.Summary()
			zl.Info("peer summary",
				zap.Int("total", s.Total),
				zap.Int("connected", s.Connected),
				zap.Int("participants", len(orch.Participants())))
		}
	}
}

func build(cfg *config.Config, f flags, tier media.Tier, id classroom.Identity, zl *zap.Logger) (*classroom.Orchestrator, *peer.Manager, error) {
	channel := signaling.NewChannel(signaling.OptionsFromConfig(cfg.Classroom), zl)

	pionOpts := peer.PionOptions{ICEServers: cfg.Classroom.ICEServers}
	deps := classroom.Deps{
		Channel: channel,
		Tier:    tier,
		Notify:  logNotice(zl),
		Log:     zl,
	}
	var source peer.MediaSource
	if !f.noMedia {
		driver, err := capture.NewDriver(zl)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up capture: %w", err)
		}
		src := media.NewSource(driver, zl)
		pionOpts.Codecs = driver
		source = src
		deps.Media = src
	}

	factory, err := peer.NewPionFactory(pionOpts, zl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up webrtc: %w", err)
	}
	peers := peer.NewManager(factory, channel, source, peer.OptionsFromConfig(cfg.Classroom), zl)
	peers.OnRemoteStream(func(participantID string, s *peer.RemoteStream) {
		zl.Info("remote stream",
			zap.String("participant_id", participantID),
			zap.Int("tracks", len(s.Tracks)))
	})
	deps.Peers = peers

	if id.Role == types.RoleStudent {
		monOpts := monitor.OptionsFromConfig(cfg.Classroom)
		monOpts.SessionID = f.sessionID
		deps.Monitor = monitor.New(&headlessScreen{}, channel, monOpts, zl)
		deps.Canvas = drawing.NewEngine(drawing.Options{StudentID: id.UserID, SessionID: f.sessionID}, channel, zl)
	}

	orch, err := classroom.New(deps, id, f.sessionID)
	if err != nil {
		return nil, nil, err
	}
	return orch, peers, nil
}

func logNotice(zl *zap.Logger) func(classroom.Notice) {
	return func(n classroom.Notice) {
		fields := []zap.Field{zap.String("level", string(n.Level)), zap.String("message", n.Message)}
		switch n.Level {
		case classroom.LevelError:
			zl.Error("notice", fields...)
		case classroom.LevelWarning:
			zl.Warn("notice", fields...)
		default:
			zl.Info("notice", fields...)
		}
	}
}
