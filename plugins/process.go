package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/sleuth/internal/isolation"
	"github.com/kingrea/sleuth/resolution"
)

// DefaultUnitTimeout bounds a process unit that declares no timeout.
const DefaultUnitTimeout = 5 * time.Minute

// Runtime is the part of the isolated runtime the loader relies on.
// *isolation.Manager implements it.
type Runtime interface {
	InstallPackages(ctx context.Context, reqs []isolation.Requirement) error
	Environ(extra ...string) []string
	LookPath(name string) (string, error)
}

// processUnit runs a plugin executable once per invocation: the request is
// written to stdin as JSON and one response is read from stdout.
type processUnit struct {
	desc      resolution.Descriptor
	module    string
	moduleDir string
	entry     CommandEntry
	runtime   Runtime
	extraEnv  func() []string
	timeout   time.Duration
}

func (u *processUnit) Descriptor() resolution.Descriptor { return u.desc }

func (u *processUnit) Resolve(ctx context.Context, entities []resolution.Entity, args resolution.Arguments) (resolution.Outcome, error) {
	path, err := u.executable()
	if err != nil {
		return nil, err
	}
	timeout := u.entry.Timeout
	if timeout <= 0 {
		timeout = u.timeout
	}
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(resolution.Request{
		Unit:       u.desc.Name,
		Entities:   entities,
		Parameters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("plugin: encode request for %s: %w", u.desc.Name, err)
	}

	cmd := exec.CommandContext(ctx, path, u.entry.Args...)
	cmd.Dir = u.moduleDir
	cmd.Env = u.environ()
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("plugin: %s timed out after %s", u.desc.Name, timeout)
	}
	if runErr != nil {
		if msg := lastLines(stderr.String(), 10); msg != "" {
			return nil, fmt.Errorf("plugin: %s exited: %w: %s", u.desc.Name, runErr, msg)
		}
		return nil, fmt.Errorf("plugin: %s exited: %w", u.desc.Name, runErr)
	}

	var resp resolution.Response
	if err := json.NewDecoder(&stdout).Decode(&resp); err != nil {
		return nil, fmt.Errorf("plugin: %s wrote an unreadable response: %w", u.desc.Name, err)
	}
	outcome, err := resp.Outcome()
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", u.desc.Name, err)
	}
	return outcome, nil
}

func (u *processUnit) executable() (string, error) {
	path := u.entry.Path
	if strings.ContainsRune(path, '/') || strings.ContainsRune(path, filepath.Separator) {
		if !filepath.IsAbs(path) {
			path = filepath.Join(u.moduleDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("plugin: %s: executable %s: %w", u.desc.Name, path, err)
		}
		return path, nil
	}
	if u.runtime != nil {
		return u.runtime.LookPath(path)
	}
	return exec.LookPath(path)
}

func (u *processUnit) environ() []string {
	extra := []string{
		resolution.EnvModule + "=" + u.module,
		resolution.EnvUnit + "=" + u.desc.Name,
		resolution.EnvModuleDir + "=" + u.moduleDir,
	}
	if u.extraEnv != nil {
		extra = append(extra, u.extraEnv()...)
	}
	extra = append(extra, u.entry.Env...)
	if u.runtime != nil {
		return u.runtime.Environ(extra...)
	}
	return append(os.Environ(), extra...)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
