package netlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStopFollowing can be returned by a Follow callback to end the follow
// without an error.
var ErrStopFollowing = errors.New("netlog: stop following")

// FollowOptions control where and how a log is tailed.
type FollowOptions struct {
	// FromStart replays the existing records before following new ones.
	FromStart bool
	// Poll watches the file by polling instead of inotify.
	Poll bool
}

// Follow decodes records appended to the log at path and hands each to fn
// until ctx ends or fn returns an error. Lines that do not decode are
// skipped; the first few are logged, then at most one warning every 10s.
func Follow(ctx context.Context, logger *zap.Logger, path string, opts FollowOptions, fn func(*Record) error) error {
	whence := io.SeekEnd
	if opts.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    false,
		MustExist: true,
		Poll:      opts.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", path, err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	malformed := 0
	warn := rate.Sometimes{First: 3, Interval: 10 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				logger.Warn("Error reading network log.", zap.Error(line.Err))
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			var rec Record
			if err := json.UnmarshalFromString(text, &rec); err != nil {
				malformed++
				warn.Do(func() {
					logger.Warn("Skipping malformed network record.", zap.Int("skipped", malformed), zap.Error(err))
				})
				continue
			}
			if err := fn(&rec); err != nil {
				if errors.Is(err, ErrStopFollowing) {
					return nil
				}
				return err
			}
		}
	}
}
