// Package remote builds and runs the ssh, rsync and sshpass invocations used
// by handler modules to reach the ground file server and host boards.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ErrNoPassword is returned when the password variable is unset
var ErrNoPassword = errors.New("remote password not set")

// Exec runs name with args and extra environment, returning combined output
type Exec func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

// Run is the Exec that starts real processes
func Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, tail(out, 512))
	}
	return out, nil
}

func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// Password reads the secret held in the named environment variable and
// returns it as the SSHPASS entry sshpass -e expects
func Password(envName string) ([]string, error) {
	if envName == "" {
		return nil, fmt.Errorf("%w: no variable configured", ErrNoPassword)
	}
	pw, ok := os.LookupEnv(envName)
	if !ok || pw == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoPassword, envName)
	}
	return []string{"SSHPASS=" + pw}, nil
}

func sshArgs(port int) []string {
	args := []string{
		"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=20",
	}
	if port > 0 {
		args = append(args, "-p", strconv.Itoa(port))
	}
	return args
}

// RemoteShell is the quoted ssh command line handed to rsync -e
func RemoteShell(port int) string {
	return shellquote.Join(sshArgs(port)...)
}

// RsyncPull is the argv copying user@host:remotePath into localDir
func RsyncPull(user, host string, port int, remotePath, localDir string) []string {
	src := fmt.Sprintf("%s@%s:%s", user, host, shellquote.Join(remotePath))
	dst := strings.TrimSuffix(localDir, "/") + "/"
	return []string{"sshpass", "-e", "rsync", "-az", "--partial", "-e", RemoteShell(port), src, dst}
}

// SSHCommand is the argv running remote on user@host
func SSHCommand(user, host string, port int, remote ...string) []string {
	argv := append([]string{"sshpass", "-e"}, sshArgs(port)...)
	return append(argv, user+"@"+host, shellquote.Join(remote...))
}
