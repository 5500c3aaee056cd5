package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/openlisten/earshot/pkg/audio"
	"github.com/openlisten/earshot/pkg/types"
)

// DefaultCaptureFrame is the chunk duration handed to the session manager.
const DefaultCaptureFrame = 100 * time.Millisecond

// SystemCapture runs a platform audio-capture subprocess that writes raw
// interleaved-stereo PCM16 to stdout. Frames are de-interleaved to mono,
// chunked to a fixed duration, and delivered via the OnChunk callback
// attributed to the "other" speaker.
//
// Implements [Capture].
type SystemCapture struct {
	command    string
	args       []string
	sampleRate int
	frame      time.Duration
	onChunk    func(audio.Chunk)

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Capture = (*SystemCapture)(nil)

// NewSystemCapture creates a capture runner for the given command line.
// sampleRate is the rate of the subprocess output stream; onChunk receives
// every mono chunk and must not block for long.
func NewSystemCapture(command string, args []string, sampleRate int, onChunk func(audio.Chunk)) (*SystemCapture, error) {
	var errs []error
	if command == "" {
		errs = append(errs, errors.New("capture: command must not be empty"))
	}
	if sampleRate <= 0 {
		errs = append(errs, errors.New("capture: sampleRate must be positive"))
	}
	if onChunk == nil {
		errs = append(errs, errors.New("capture: onChunk must not be nil"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &SystemCapture{
		command:    command,
		args:       args,
		sampleRate: sampleRate,
		frame:      DefaultCaptureFrame,
		onChunk:    onChunk,
	}, nil
}

// Start launches the subprocess and begins pumping its stdout.
func (c *SystemCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return errors.New("capture: already started")
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("capture: start %q: %w", c.command, err)
	}

	c.cmd = cmd
	c.stdout = stdout
	c.done = make(chan struct{})

	c.wg.Add(1)
	go c.readLoop(stdout)

	slog.Info("capture subprocess started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// readLoop de-interleaves the stereo stream and emits fixed-duration mono
// chunks until stdout closes.
func (c *SystemCapture) readLoop(stdout io.Reader) {
	defer c.wg.Done()

	chunker := audio.NewChunker(types.SpeakerOther, c.sampleRate, c.frame)
	buf := make([]byte, 8192)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			mono := audio.StereoToMono(buf[:n])
			for _, chunk := range chunker.Write(mono) {
				c.onChunk(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-c.done:
					// Expected during Stop.
				default:
					slog.Warn("capture: read error", "err", err)
				}
			}
			if tail, ok := chunker.Flush(); ok {
				c.onChunk(tail)
			}
			return
		}
	}
}

// Stop kills the subprocess and waits for the reader to drain. Kill and wait
// failures are logged; Stop always returns once the pump has exited.
func (c *SystemCapture) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	done := c.done
	c.cmd = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	// done is re-created on every Start; swapping cmd to nil above makes
	// this the one Stop that closes it for this cycle.
	close(done)

	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Warn("capture: kill failed", "pid", cmd.Process.Pid, "err", err)
		}
	}
	if err := cmd.Wait(); err != nil {
		// Killed processes report a non-zero exit; only worth a debug line.
		slog.Debug("capture: subprocess exit", "err", err)
	}
	c.wg.Wait()

	slog.Info("capture subprocess stopped", "command", c.command)
	return nil
}
