package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrTimeout is returned when the modem does not answer in time
	ErrTimeout = errors.New("modem command timed out")
	// ErrLineClosed is returned after the device stream ended
	ErrLineClosed = errors.New("modem line closed")
)

// CommandError is a modem ERROR / +CME ERROR response
type CommandError struct {
	Command  string
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("modem rejected %q: %s", e.Command, e.Response)
}

// Line is an AT-command session over a serial device. Commands are
// serialised; a command owns the line until its final result code.
type Line struct {
	mu      sync.Mutex
	rw      io.ReadWriteCloser
	timeout time.Duration
	lines   chan string
	done    chan struct{}
}

// OpenLine opens a character device as an AT line
func OpenLine(device string, timeout time.Duration) (*Line, error) {
	f, err := os.OpenFile(device, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open modem %s: %w", device, err)
	}
	return NewLine(f, timeout), nil
}

// NewLine starts reading responses from rw
func NewLine(rw io.ReadWriteCloser, timeout time.Duration) *Line {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	l := &Line{
		rw:      rw,
		timeout: timeout,
		lines:   make(chan string, 64),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Line) readLoop() {
	defer close(l.done)
	sc := bufio.NewScanner(l.rw)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case l.lines <- line:
		default:
			log.Warn().Str("line", line).Msg("Dropping unsolicited modem output")
		}
	}
}

// Command sends cmd and collects the information lines up to OK
func (l *Line) Command(ctx context.Context, cmd string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.drain()
	if _, err := io.WriteString(l.rw, cmd+"\r"); err != nil {
		return nil, fmt.Errorf("failed to write %q: %w", cmd, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var resp []string
	for {
		select {
		case line := <-l.lines:
			switch {
			case line == cmd:
				// echo
			case line == "OK":
				return resp, nil
			case line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR"):
				return resp, &CommandError{Command: cmd, Response: line}
			default:
				resp = append(resp, line)
			}
		case <-l.done:
			return resp, ErrLineClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return resp, fmt.Errorf("%s: %w", cmd, ErrTimeout)
			}
			return resp, ctx.Err()
		}
	}
}

// Query sends cmd and returns the payload of the first "+TAG: value" line
func (l *Line) Query(ctx context.Context, cmd, tag string) (string, error) {
	resp, err := l.Command(ctx, cmd)
	if err != nil {
		return "", err
	}
	for _, line := range resp {
		if v, ok := strings.CutPrefix(line, tag+":"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("no %s in response to %q", tag, cmd)
}

func (l *Line) drain() {
	for {
		select {
		case <-l.lines:
		default:
			return
		}
	}
}

// Close closes the device
func (l *Line) Close() error {
	return l.rw.Close()
}
