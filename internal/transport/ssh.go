package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	sshPort        = "22"
	dialTimeout    = 10 * time.Second
	uploadFileMode = 0o644
)

// SSHConfig holds the credentials used to reach workers.
type SSHConfig struct {
	User     string
	Password string
	KeyPath  string
}

// Compile-time interface satisfaction check.
var _ Transport = (*SSH)(nil)

// SSH implements Transport over an SSH connection. Each command runs in its
// own session on the shared connection.
type SSH struct {
	client *ssh.Client
}

// NewSSHFactory returns a Factory dialing workers with the given credentials.
func NewSSHFactory(cfg SSHConfig) Factory {
	return func(addr string) (Transport, error) {
		return DialSSH(addr, cfg)
	}
}

// DialSSH opens an SSH connection to the worker at addr.
func DialSSH(addr string, cfg SSHConfig) (*SSH, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// Workers are provisioned on demand and their host keys are not known
		// in advance.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(addr, sshPort), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return &SSH{client: client}, nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		raw, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}
	return auth, nil
}

// RunCommand executes cmd in a fresh session and returns its structured
// result. A non-zero exit status is reported in the result, not as an error;
// the error return covers transport failures only.
func (s *SSH) RunCommand(ctx context.Context, cmd string) (CommandResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return CommandResult{}, ctx.Err()
	case err = <-done:
	}

	res := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("run %q: %w", cmd, err)
	}
	return res, nil
}

// RunCommandAsync starts cmd and returns once it is running. The session is
// reaped in the background when the command eventually exits.
func (s *SSH) RunCommandAsync(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return fmt.Errorf("start %q: %w", cmd, err)
	}
	go func() {
		session.Wait()
		session.Close()
	}()
	return nil
}

// UploadFile copies localPath to remotePath over SFTP.
func (s *SSH) UploadFile(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer client.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if err := client.Chmod(remotePath, uploadFileMode); err != nil {
		return fmt.Errorf("chmod %s: %w", remotePath, err)
	}
	return nil
}

// OpenLogChannel starts a follow-tail of the remote file at path.
func (s *SSH) OpenLogChannel(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	// -n +1 replays the file from the beginning so no early lines are lost
	// when the tail starts after the job.
	if err := session.Start(fmt.Sprintf("tail -n +1 -F %s", path)); err != nil {
		session.Close()
		return nil, fmt.Errorf("start tail: %w", err)
	}

	return &logChannel{Reader: stdout, session: session}, nil
}

// Close closes the underlying SSH connection.
func (s *SSH) Close() error {
	return s.client.Close()
}

// logChannel wraps a tail session's stdout; Close tears down the session,
// which unblocks any pending read.
type logChannel struct {
	io.Reader
	session *ssh.Session
}

func (c *logChannel) Close() error {
	return c.session.Close()
}
