// Package transport abstracts how the control plane reaches a worker:
// remote command execution, file upload and live log tailing.
package transport

import (
	"context"
	"io"
)

// CommandResult is the structured outcome of a remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport is one connection to a worker.
type Transport interface {
	// RunCommand executes cmd and waits for it to finish.
	RunCommand(ctx context.Context, cmd string) (CommandResult, error)

	// RunCommandAsync starts cmd and returns without waiting for completion.
	// Used for long-running installs where the caller polls readiness instead.
	RunCommandAsync(ctx context.Context, cmd string) error

	// UploadFile copies a local file to remotePath on the worker.
	UploadFile(ctx context.Context, localPath, remotePath string) error

	// OpenLogChannel starts a follow-tail of the remote file at path and
	// returns a reader delivering bytes as they are appended. Closing the
	// reader tears down the tail.
	OpenLogChannel(ctx context.Context, path string) (io.ReadCloser, error)

	Close() error
}

// Factory opens a transport to the worker at addr. The fleet controller holds
// a factory rather than connections so probes can redial on every attempt.
type Factory func(addr string) (Transport, error)
