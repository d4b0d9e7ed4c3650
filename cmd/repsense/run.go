package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/repsense/internal/audio"
	"github.com/chaz8081/repsense/internal/ble"
	"github.com/chaz8081/repsense/internal/config"
	"github.com/chaz8081/repsense/internal/hotkey"
	"github.com/chaz8081/repsense/internal/reps"
	"github.com/chaz8081/repsense/internal/server"
	"github.com/chaz8081/repsense/internal/tracker"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the sensor and count reps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		printBanner(cfg)
		return run(cmd.Context(), cfg)
	},
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := ble.NewManager(ble.NewTinyGoRadio(), ble.DefaultOptions())
	defer mgr.Close()

	tr := tracker.New(mgr, reps.NewCounter(reps.DefaultConfig(cfg.Exercise)))

	if cfg.Chime.Enabled {
		chime, err := newChime(cfg.Chime)
		if err != nil {
			slog.Warn("Chime disabled", "error", err)
		} else {
			defer chime.Close()
			tr.Observe(chime.Observe)
			slog.Info("Chime ready")
		}
	}

	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := server.New(tr)
		tr.Observe(srv.Observe)
		go func() { serverErr <- srv.Run(ctx, cfg.Server.Addr) }()
	}

	var listener *hotkey.Listener
	if cfg.Hotkey.Enabled {
		listener = hotkey.NewListener(
			hotkey.Binding{Keys: cfg.Hotkey.ResetKeys, Command: hotkey.CommandReset},
			hotkey.Binding{Keys: cfg.Hotkey.ScanKeys, Command: hotkey.CommandToggleScan},
		)
		go listener.Start()
		go handleHotkeys(listener.Commands(), tr)
		slog.Info("Hotkeys ready",
			"reset", strings.Join(cfg.Hotkey.ResetKeys, "+"),
			"scan", strings.Join(cfg.Hotkey.ScanKeys, "+"))
	}

	if cfg.AutoScan {
		if err := tr.StartScan(); err != nil {
			slog.Warn("Initial scan failed", "error", err)
		}
	}

	slog.Info("Ready! Ctrl+C to quit.", "exercise", cfg.Exercise)

	trackerErr := make(chan error, 1)
	go func() { trackerErr <- tr.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
	case err := <-serverErr:
		runErr = err
		stop()
	case err := <-trackerErr:
		runErr = err
		stop()
	}

	if err := tr.Cleanup(); err != nil {
		slog.Debug("Cleanup", "error", err)
	}
	if cfg.Server.Enabled {
		select {
		case err := <-serverErr:
			if runErr == nil {
				runErr = err
			}
		case <-time.After(6 * time.Second):
		}
	}

	if listener != nil {
		// Exit directly to avoid gohook's C cleanup crash.
		// The OS reclaims the event hook on process exit.
		if runErr != nil {
			fmt.Fprintln(os.Stderr, "error:", runErr)
			os.Exit(1)
		}
		os.Exit(0)
	}
	return runErr
}

func newChime(cfg config.ChimeConfig) (*audio.Chime, error) {
	if cfg.WAVPath != "" {
		samples, rate, err := audio.LoadWAV(cfg.WAVPath, cfg.Volume)
		if err != nil {
			return nil, err
		}
		return audio.NewChime(samples, rate)
	}
	d := time.Duration(cfg.DurationMs) * time.Millisecond
	return audio.NewChime(audio.Tone(cfg.FrequencyHz, d, cfg.Volume, audio.DefaultSampleRate), audio.DefaultSampleRate)
}

// commander is the part of the tracker the hotkeys drive.
type commander interface {
	ResetCounter()
	ToggleScan() error
}

func handleHotkeys(cmds <-chan hotkey.Command, t commander) {
	for cmd := range cmds {
		slog.Debug("Hotkey", "command", cmd)
		switch cmd {
		case hotkey.CommandReset:
			t.ResetCounter()
		case hotkey.CommandToggleScan:
			if err := t.ToggleScan(); err != nil {
				slog.Warn("Toggle scan failed", "error", err)
			}
		}
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== repsense ===")
	fmt.Printf("  Exercise: %s\n", cfg.Exercise)
	fmt.Printf("  Sensor:   %s (%s)\n", ble.TargetName, ble.TargetAddress)
	if cfg.Server.Enabled {
		fmt.Printf("  Server:   http://%s\n", cfg.Server.Addr)
	}
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Reset:    %s\n", strings.Join(cfg.Hotkey.ResetKeys, "+"))
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}
