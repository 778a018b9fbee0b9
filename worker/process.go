package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// tailLines is how many stderr lines are kept for error messages.
const tailLines = 5

// ExitError is returned when a tool exits unsuccessfully.
type ExitError struct {
	Tool string
	Err  error
	// Tail holds the last non-empty stderr lines.
	Tail []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	if len(e.Tail) > 0 {
		msg += ": " + strings.Join(e.Tail, " | ")
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// tail is a fixed-size ring of recent lines.
type tail struct {
	mu    sync.Mutex
	lines []string
}

func (t *tail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
}

func (t *tail) get() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// command builds an exec.Cmd that terminates its whole process tree when ctx
// is done and is killed once grace has passed.
func command(ctx context.Context, grace time.Duration, bin string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return terminateTree(cmd.Process.Pid)
	}
	cmd.WaitDelay = grace
	return cmd
}

// terminateTree asks pid and every descendant to stop, children first.
func terminateTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return os.ErrProcessDone
	}
	terminateChildren(p)
	if err := p.Terminate(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func terminateChildren(p *process.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		terminateChildren(child)
		if err := child.Terminate(); err != nil {
			log.Printf("Warning: could not terminate child process %d: %v", child.Pid, err)
		}
	}
}

// stream runs cmd and hands every stdout and stderr line to onLine. Lines end
// at \n or \r so carriage-return progress bars are seen as they redraw.
func stream(cmd *exec.Cmd, tool string, onLine func(string)) error {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	log.Printf("Executing: %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return fmt.Errorf("start %s: %w", tool, err)
	}

	recent := &tail{}
	var wg sync.WaitGroup
	read := func(r io.Reader, stderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			if stderr {
				recent.add(line)
			}
			if onLine != nil {
				onLine(line)
			}
		}
		// Keep draining so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go read(outR, false)
	go read(errR, true)

	waitErr := cmd.Wait()
	outW.Close()
	errW.Close()
	wg.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) || errors.Is(waitErr, exec.ErrWaitDelay) {
			return &ExitError{Tool: tool, Err: waitErr, Tail: recent.get()}
		}
		return fmt.Errorf("%s: %w", tool, waitErr)
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// lineWriter passes each written line to a callback. Lines split across
// writes are reported in pieces, which is fine for error tails.
type lineWriter func(string)

func (w lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.FieldsFunc(string(p), func(r rune) bool { return r == '\n' || r == '\r' }) {
		w(line)
	}
	return len(p), nil
}
