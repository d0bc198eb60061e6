package builder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
)

// ExitError wraps a failed build command with the image it was building and
// the child process's own exit code, so callers can propagate that code
// unchanged (§4.I: "on non-zero exit, drain stderr and exit with the
// child's code").
type ExitError struct {
	Image    string
	Command  []string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("building %s: command %v exited %d", e.Image, e.Command, e.ExitCode)
}

type logLine struct {
	stream string // "stdout" or "stderr"
	text   string
}

// runStreaming execs argv with dir as its working directory, fanning stdout
// and stderr into logPath (and, when verbose, the terminal) as the lines
// arrive. Two goroutines read the two pipes into a shared channel; a third
// drains that channel to the writers. errgroup.Wait joins the two readers
// before the channel is closed, so the writer never sees a send on a closed
// channel and every line written before the child exits is flushed before
// runStreaming returns.
func runStreaming(ctx context.Context, imageName string, argv []string, dir string, logPath string, verbose bool) error {
	if len(argv) == 0 {
		return fmt.Errorf("building %s: empty command", imageName)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("building %s: stdout pipe: %w", imageName, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("building %s: stderr pipe: %w", imageName, err)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("building %s: creating log file %s: %w", imageName, logPath, err)
	}
	defer logFile.Close()

	lines := make(chan logLine, 64)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("building %s: starting %v: %w", imageName, argv, err)
	}

	var readers errgroup.Group
	readers.Go(func() error { return pumpLines(stdout, "stdout", lines) })
	readers.Go(func() error { return pumpLines(stderr, "stderr", lines) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for l := range lines {
			fmt.Fprintln(logFile, l.text)
			if verbose {
				if l.stream == "stderr" {
					color.New(color.FgRed).Fprintln(os.Stderr, l.text)
				} else {
					fmt.Fprintln(os.Stdout, l.text)
				}
			}
		}
	}()

	readErr := readers.Wait()
	close(lines)
	<-done

	waitErr := cmd.Wait()
	if readErr != nil && waitErr == nil {
		return fmt.Errorf("building %s: reading output: %w", imageName, readErr)
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return &ExitError{Image: imageName, Command: argv, ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("building %s: %w", imageName, waitErr)
	}
	return nil
}

func pumpLines(r io.Reader, stream string, out chan<- logLine) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- logLine{stream: stream, text: scanner.Text()}
	}
	return scanner.Err()
}
