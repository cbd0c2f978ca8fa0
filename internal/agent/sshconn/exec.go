package sshconn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// execRunner drives the external ssh binary. One multiplexed master per
// forward, addressed through a control socket named after the forward id.
type execRunner struct{}

func controlSocketPath(forwardID string) string {
	return filepath.Join(os.TempDir(), "connectbot-"+forwardID+".sock")
}

// Connect establishes the reverse forward. The private key only exists on
// disk, mode 600, for the duration of the attempt. When the control socket
// already answers, the existing master is reused.
func (execRunner) Connect(ctx context.Context, settings Settings, socketPath string) error {
	// An earlier master may still be healthy.
	if err := (execRunner{}).Check(ctx, socketPath); err == nil {
		return nil
	}

	if _, err := ssh.ParsePrivateKey([]byte(settings.SshKey)); err != nil {
		return fmt.Errorf("ssh connect: invalid private key: %w", err)
	}

	keyFile, err := writeKeyFile(settings.SshKey)
	if err != nil {
		return err
	}
	defer os.Remove(keyFile)

	spec := fmt.Sprintf("%d:%s:%d", settings.RemotePort, settings.ForwardHost, settings.ForwardPort)
	if settings.GatewayPort {
		spec = "*:" + spec
	}

	cmd := exec.CommandContext(ctx, "ssh",
		"-f", "-N", "-M",
		"-S", socketPath,
		"-i", keyFile,
		"-R", spec,
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ExitOnForwardFailure=yes",
		"-p", strconv.Itoa(int(settings.SshPort)),
		fmt.Sprintf("%s@%s", settings.SshUser, settings.SshHost),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ssh connect: %w: %s", err, out)
	}
	return nil
}

// Check asks the master on the control socket whether it is alive.
func (execRunner) Check(ctx context.Context, socketPath string) error {
	cmd := exec.CommandContext(ctx, "ssh", "-O", "check", "-S", socketPath, "_")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ssh check: %w: %s", err, out)
	}
	return nil
}

// Disconnect tells the master to exit.
func (execRunner) Disconnect(ctx context.Context, socketPath string) error {
	cmd := exec.CommandContext(ctx, "ssh", "-O", "exit", "-S", socketPath, "_")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ssh exit: %w: %s", err, out)
	}
	return nil
}

func writeKeyFile(key string) (string, error) {
	f, err := os.CreateTemp("", "connectbot-key-*")
	if err != nil {
		return "", fmt.Errorf("ssh connect: key file: %w", err)
	}
	name := f.Name()
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("ssh connect: key file mode: %w", err)
	}
	if _, err := f.WriteString(key); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("ssh connect: write key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("ssh connect: close key file: %w", err)
	}
	return name, nil
}
