package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"safesight/internal/config"
	"safesight/internal/model"
)

// StartReplay feeds samples from NDJSON files, one JSON sample per line.
// With follow enabled the file is tailed like a live feed, which is how
// recorded detection runs are replayed against the engine.
func StartReplay(ctx context.Context, cfg *config.Manager, out chan<- model.DetectionSample, logger *slog.Logger) {
	current := cfg.Get().Ingest.Replay
	if !current.Enabled {
		if logger != nil {
			logger.Info("replay ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		path := path
		if logger != nil {
			logger.Info("replay ingest enabled", "path", path, "follow", current.Follow)
		}
		go replayFile(ctx, path, current.Follow, out, logger)
	}
}

func replayFile(ctx context.Context, path string, follow bool, out chan<- model.DetectionSample, logger *slog.Logger) {
	file, err := os.Open(path)
	if err != nil {
		if logger != nil {
			logger.Warn("replay open failed", "path", path, "err", err)
		}
		return
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line, err := reader.ReadString('\n')
		if len(strings.TrimSpace(line)) > 0 {
			sample, perr := ParseSampleBytes([]byte(line))
			if perr != nil {
				if logger != nil {
					logger.Warn("replay sample parse error", "path", path, "err", perr)
				}
			} else {
				sample.Source = "replay"
				SendNonBlocking(ctx, out, sample, logger)
			}
		}
		if err != nil {
			if err == io.EOF {
				if !follow {
					return
				}
				if !BackoffSleep(ctx, 200*time.Millisecond) {
					return
				}
				continue
			}
			if logger != nil {
				logger.Warn("replay read error", "path", path, "err", err)
			}
			return
		}
	}
}
