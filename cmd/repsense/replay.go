package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chaz8081/repsense/internal/ble/protocol"
	"github.com/chaz8081/repsense/internal/reps"
	"github.com/spf13/cobra"
)

// replayEpoch is the synthetic clock origin for replays.
var replayEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type replayOptions struct {
	Exercise string
	Tick     time.Duration // time between messages
	MTU      int
	Status   bool // also print status events
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Run a recorded message log through the rep counter",
	Long: `Replay reads one JSON message per line, splits each line into
notification-sized chunks, reassembles them and counts reps on a
synthetic clock advancing by --tick per message. Use "-" for stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if replayOpts.Exercise == "" {
			replayOpts.Exercise = cfg.Exercise
		}

		in := cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			defer f.Close()
			in = f
		}

		st, err := replay(in, cmd.OutOrStdout(), replayOpts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d reps\n", st.Exercise, st.Count)
		return nil
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.Exercise, "exercise", "", "exercise to count (default: config exercise)")
	f.DurationVar(&replayOpts.Tick, "tick", 100*time.Millisecond, "time between messages")
	f.IntVar(&replayOpts.MTU, "mtu", protocol.DefaultMTU, "ATT MTU used to split messages")
	f.BoolVar(&replayOpts.Status, "status", false, "print status events too")
}

// replay feeds every line of r through the framer, decoder and counter and
// writes the counter events to w as JSON lines.
func replay(r io.Reader, w io.Writer, opts replayOptions) (reps.State, error) {
	counter := reps.NewCounter(reps.DefaultConfig(opts.Exercise))
	now := replayEpoch

	var writeErr error
	framer := protocol.NewFramer(protocol.DefaultIdleTimeout, func(msg string) {
		reading, err := protocol.ParseReading(msg)
		if err != nil {
			slog.Warn("[REPS] undecodable message", "error", err, "data", msg)
		}
		for _, ev := range counter.Process(reading, now) {
			if ev.Kind == reps.EventStatus && !opts.Status {
				continue
			}
			if _, err := fmt.Fprintln(w, ev.String()); err != nil && writeErr == nil {
				writeErr = err
			}
		}
	})
	defer framer.Reset()

	size := protocol.PayloadSize(opts.MTU)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		now = now.Add(opts.Tick)
		for _, chunk := range protocol.Fragment(line, size) {
			framer.Push(chunk)
		}
		// On the device a partial message this old would have expired.
		if pending := framer.Pending(); pending != "" && opts.Tick >= protocol.DefaultIdleTimeout {
			slog.Debug("[REPS] dropping incomplete message", "data", pending)
			framer.Reset()
		}
		if writeErr != nil {
			return counter.State(), writeErr
		}
	}
	if err := sc.Err(); err != nil {
		return counter.State(), fmt.Errorf("replay: %w", err)
	}
	return counter.State(), nil
}
