// Package logstream tails remote per-job logs into local sinks and fans the
// lines out to live subscribers.
package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/transport"
)

const (
	// defaultIdleTimeout is how long a read may see no new bytes before the
	// streamer probes for the job's completion marker.
	defaultIdleTimeout = 10 * time.Second

	// remoteDataDir is the scratch root on workers; must match the path the
	// proxy installer lays down.
	remoteDataDir = "/tmp/flotilla"

	readBufferSize = 4096
)

// Streamer owns one tailing task per monitored job. Tasks run detached from
// the dispatching request and end when the job's completion marker appears.
type Streamer struct {
	logsDir       string
	aggregatePath string
	idleTimeout   time.Duration
	broker        *Broker
	logger        *slog.Logger
	wg            sync.WaitGroup
}

// Option tweaks streamer behavior.
type Option func(*Streamer)

// WithIdleTimeout overrides the idle read timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Streamer) { s.idleTimeout = d }
}

// New creates a streamer writing per-job logs under cfg.LogsDir() and the
// aggregate log at cfg.AggregateLogPath().
func New(cfg config.Config, broker *Broker, logger *slog.Logger, opts ...Option) *Streamer {
	s := &Streamer{
		logsDir:       cfg.LogsDir(),
		aggregatePath: cfg.AggregateLogPath(),
		idleTimeout:   defaultIdleTimeout,
		broker:        broker,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broker returns the broker live subscribers attach to.
func (s *Streamer) Broker() *Broker {
	return s.broker
}

// RemoteLogPath returns the worker-side log file for a job.
func RemoteLogPath(jobKey string) string {
	return fmt.Sprintf("%s/logs/%s.log", remoteDataDir, jobKey)
}

// RemoteMarkerPath returns the worker-side completion marker for a job.
func RemoteMarkerPath(jobKey string) string {
	return fmt.Sprintf("%s/jobs/%s.done", remoteDataDir, jobKey)
}

// Start launches the tailing task for jobKey over tr. The streamer takes
// ownership of tr and closes it when the stream ends.
func (s *Streamer) Start(jobKey string, tr transport.Transport) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.broker.Close(jobKey)
		defer tr.Close()

		if err := s.stream(jobKey, tr); err != nil {
			s.logger.Error("log stream ended with error", "job_key", jobKey, "error", err)
		}
	}()
}

// Wait blocks until all tailing tasks finish.
func (s *Streamer) Wait() {
	s.wg.Wait()
}

func (s *Streamer) stream(jobKey string, tr transport.Transport) error {
	if err := os.MkdirAll(s.logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	jobLog, err := os.OpenFile(filepath.Join(s.logsDir, jobKey+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	defer jobLog.Close()

	aggLog, err := os.OpenFile(s.aggregatePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open aggregate log: %w", err)
	}
	defer aggLog.Close()

	ctx := context.Background()
	tail, err := tr.OpenLogChannel(ctx, RemoteLogPath(jobKey))
	if err != nil {
		return fmt.Errorf("open log channel: %w", err)
	}
	defer tail.Close()

	// The reader goroutine exits when the tail is torn down; chunks is closed
	// so the select below never blocks on a dead channel.
	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		buf := make([]byte, readBufferSize)
		for {
			n, err := tail.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		sawData bool
		carry   string
	)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Transport gone. The stream cannot continue either way.
				return nil
			}
			sawData = true
			if _, err := jobLog.Write(chunk); err != nil {
				s.logger.Error("write job log", "job_key", jobKey, "error", err)
			}
			if _, err := aggLog.Write(chunk); err != nil {
				s.logger.Error("write aggregate log", "job_key", jobKey, "error", err)
			}
			carry = s.publishLines(jobKey, carry+string(chunk))

		case <-time.After(s.idleTimeout):
			// Only probe for completion once the job produced output, so a
			// slow-starting job is not declared done by a stale marker check.
			if sawData && s.markerPresent(ctx, tr, jobKey) {
				if carry != "" {
					s.broker.Publish(jobKey, carry)
				}
				return nil
			}
		}
	}
}

// publishLines emits every complete line in data and returns the unterminated
// remainder.
func (s *Streamer) publishLines(jobKey, data string) string {
	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			return data
		}
		s.broker.Publish(jobKey, data[:idx])
		data = data[idx+1:]
	}
}

func (s *Streamer) markerPresent(ctx context.Context, tr transport.Transport, jobKey string) bool {
	res, err := tr.RunCommand(ctx, "test -f "+RemoteMarkerPath(jobKey))
	return err == nil && res.ExitCode == 0
}
