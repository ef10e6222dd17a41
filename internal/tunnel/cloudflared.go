package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/google/shlex"
)

var quickTunnelURL = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// CloudflaredProvider opens quick tunnels by running `cloudflared tunnel --url`
type CloudflaredProvider struct {
	binary    string
	extraArgs []string
	stopGrace time.Duration
	logger    *utils.LogsManager
}

func NewCloudflaredProvider(cm *utils.ConfigManager, logger *utils.LogsManager) (*CloudflaredProvider, error) {
	extraArgs, err := shlex.Split(cm.GetConfigWithDefault("tunnel_args", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid tunnel_args: %w", err)
	}

	return &CloudflaredProvider{
		binary:    cm.GetConfigWithDefault("tunnel_binary", "cloudflared"),
		extraArgs: extraArgs,
		stopGrace: cm.GetConfigDuration("tunnel_stop_grace", 5*time.Second),
		logger:    logger,
	}, nil
}

func (p *CloudflaredProvider) Name() string {
	return "cloudflared"
}

// Available reports whether the cloudflared binary can be resolved
func (p *CloudflaredProvider) Available() bool {
	_, err := exec.LookPath(p.binary)
	return err == nil
}

func (p *CloudflaredProvider) Open(ctx context.Context, port int) (Session, error) {
	if !p.Available() {
		return nil, fmt.Errorf("%s not found in PATH", p.binary)
	}

	args := []string{"tunnel", "--no-autoupdate"}
	args = append(args, p.extraArgs...)
	args = append(args, "--url", fmt.Sprintf("http://localhost:%d", port))

	cmd := exec.Command(p.binary, args...)
	output, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.binary, err)
	}

	session := &cloudflaredSession{
		cmd:       cmd,
		done:      make(chan struct{}),
		stopGrace: p.stopGrace,
	}

	go func() {
		session.waitErr = cmd.Wait()
		writer.Close()
		close(session.done)
	}()

	urls := make(chan string, 1)
	go p.scan(output, urls)

	select {
	case url := <-urls:
		session.url = url
		return session, nil
	case <-session.done:
		return nil, fmt.Errorf("%s exited before publishing a URL: %v", p.binary, session.waitErr)
	case <-ctx.Done():
		session.kill()
		return nil, fmt.Errorf("timed out waiting for tunnel URL: %w", ctx.Err())
	}
}

// scan forwards cloudflared output to the log and publishes the first tunnel URL.
// It keeps draining until the process exits so the pipe never blocks the child.
func (p *CloudflaredProvider) scan(output io.Reader, urls chan<- string) {
	found := false
	scanner := bufio.NewScanner(output)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug(line, "tunnel")
		if found {
			continue
		}
		if url := quickTunnelURL.FindString(line); url != "" {
			found = true
			urls <- url
		}
	}
}

type cloudflaredSession struct {
	cmd       *exec.Cmd
	url       string
	done      chan struct{}
	waitErr   error
	stopGrace time.Duration
	closeOnce sync.Once
}

func (s *cloudflaredSession) URL() string {
	return s.url
}

func (s *cloudflaredSession) Done() <-chan struct{} {
	return s.done
}

// Close interrupts the process, escalating to kill after the grace period
func (s *cloudflaredSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.terminate(ctx)
	})
	return err
}

func (s *cloudflaredSession) terminate(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	if runtime.GOOS == "windows" {
		s.kill()
	} else if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.kill()
	}

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()

	select {
	case <-s.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.kill()
	select {
	case <-s.done:
		return nil
	case <-time.After(s.stopGrace):
		return fmt.Errorf("cloudflared process %d did not exit", s.cmd.Process.Pid)
	}
}

func (s *cloudflaredSession) kill() {
	_ = s.cmd.Process.Kill()
}
