package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/eugenetaranov/sshwrap/internal/connector"
	"github.com/eugenetaranov/sshwrap/internal/process"
	"github.com/eugenetaranov/sshwrap/internal/shell"
)

// TransferUp copies sources to target on the server with scp, then applies
// fixup to the copied files. In-memory sources are written to a scratch
// directory first; it is removed before TransferUp returns.
func (c *Connection) TransferUp(ctx context.Context, sources []connector.Source, target string, fixup connector.Fixup) error {
	start := time.Now()
	err := c.transferUp(ctx, sources, target, fixup)
	c.metrics.observe("transfer_up", start, err)
	return err
}

func (c *Connection) transferUp(ctx context.Context, sources []connector.Source, target string, fixup connector.Fixup) error {
	const op = "transfer up"

	if err := c.usable(op); err != nil {
		return err
	}
	if len(sources) == 0 {
		return buildError(op, ErrNoFiles)
	}

	files, scratch, err := materialize(sources)
	if scratch != "" {
		defer func() {
			if err := os.RemoveAll(scratch); err != nil {
				log.Warn().Err(err).Str("dir", scratch).Msg("failed to remove scratch directory")
			}
		}()
	}
	if err != nil {
		return &Error{Kind: ErrTransfer, Op: op, Err: err}
	}

	argv, err := BuildTransferCommand(&c.cfg, files, target)
	if err != nil {
		return err
	}
	if err := c.runTransfer(ctx, op, argv); err != nil {
		return err
	}

	if fixup.Empty() {
		return nil
	}

	targets, err := c.ResolveTargets(ctx, files, target)
	if err != nil {
		return &Error{Kind: ErrTransfer, Op: "resolve targets", Err: err}
	}
	return applyFixup(ctx, c, targets, fixup)
}

// TransferDown copies one remote file to localTarget with scp, then applies
// fixup on the local filesystem.
func (c *Connection) TransferDown(ctx context.Context, remoteFile, localTarget string, fixup connector.Fixup) error {
	start := time.Now()
	err := c.transferDown(ctx, remoteFile, localTarget, fixup)
	c.metrics.observe("transfer_down", start, err)
	return err
}

func (c *Connection) transferDown(ctx context.Context, remoteFile, localTarget string, fixup connector.Fixup) error {
	const op = "transfer down"

	if err := c.usable(op); err != nil {
		return err
	}

	argv, err := BuildTransferDownCommand(&c.cfg, remoteFile, localTarget)
	if err != nil {
		return err
	}

	// Decided before the copy, which may create localTarget.
	target := localTarget
	if info, err := os.Stat(localTarget); err == nil && info.IsDir() {
		target = filepath.Join(localTarget, path.Base(remoteFile))
	}

	if err := c.runTransfer(ctx, op, argv); err != nil {
		return err
	}

	if fixup.Empty() {
		return nil
	}
	return applyFixup(ctx, c.local, []string{target}, fixup)
}

// Upload implements connector.Connector.
func (c *Connection) Upload(ctx context.Context, sources []connector.Source, target string, fixup connector.Fixup) error {
	return c.TransferUp(ctx, sources, target, fixup)
}

// Download implements connector.Connector.
func (c *Connection) Download(ctx context.Context, remoteFile, localTarget string, fixup connector.Fixup) error {
	return c.TransferDown(ctx, remoteFile, localTarget, fixup)
}

// runTransfer runs one scp call. Any nonzero exit is an error.
func (c *Connection) runTransfer(ctx context.Context, op string, argv []string) error {
	log.Debug().Strs("argv", argv).Msg("transferring files")

	out, err := process.Run(ctx, process.Spec{
		Argv:    argv,
		Env:     c.env(c.cfg.Role.authenticates()),
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return fromProcess(op, argv, c.user, err)
	}
	if out.ExitCode != 0 {
		return &Error{
			Kind:     ErrTransfer,
			Op:       op,
			Command:  argv,
			User:     c.user,
			Stderr:   string(connector.TrimOutput(out.Stderr)),
			ExitCode: out.ExitCode,
		}
	}
	return nil
}

// ResolveTargets returns the remote paths that files will have after being
// copied to target. When target is not a directory on the server the result
// is [target] regardless of how many files there are.
func (c *Connection) ResolveTargets(ctx context.Context, filenames []string, target string) ([]string, error) {
	result, err := c.Execute(ctx, "test -d "+shell.Quote(target))
	if err != nil {
		return nil, err
	}

	if result.ExitCode != 0 {
		return []string{target}, nil
	}

	targets := make([]string, len(filenames))
	for i, f := range filenames {
		targets[i] = path.Join(target, filepath.Base(f))
	}
	return targets, nil
}

// applyFixup runs chmod and then chown on targets through e.
func applyFixup(ctx context.Context, e connector.Executor, targets []string, fixup connector.Fixup) error {
	if fixup.Mode != "" {
		cmd := shell.Join(append([]string{"chmod", fixup.Mode}, targets...)...)
		if err := runFixup(ctx, e, "change mode", cmd); err != nil {
			return err
		}
	}
	if fixup.Owner != "" {
		cmd := shell.Join(append([]string{"chown", fixup.Owner}, targets...)...)
		if err := runFixup(ctx, e, "change owner", cmd); err != nil {
			return err
		}
	}
	return nil
}

func runFixup(ctx context.Context, e connector.Executor, op, cmd string) error {
	result, err := e.Execute(ctx, cmd)
	if err != nil {
		return &Error{Kind: ErrTransfer, Op: op, Err: err}
	}
	if result.ExitCode != 0 {
		return &Error{
			Kind:     ErrTransfer,
			Op:       op,
			Stderr:   string(result.Stderr),
			ExitCode: result.ExitCode,
			Err:      fmt.Errorf("%s exited with status %d", cmd, result.ExitCode),
		}
	}
	return nil
}

// materialize returns local file names for sources, writing in-memory ones
// to a scratch directory. The caller removes scratch when it is non-empty,
// including when err is set.
func materialize(sources []connector.Source) (files []string, scratch string, err error) {
	write := func(name string, r io.Reader) (string, error) {
		if r == nil {
			return "", errors.New("source has no content")
		}
		if scratch == "" {
			dir, err := os.MkdirTemp("", "sshwrap-")
			if err != nil {
				return "", fmt.Errorf("failed to create scratch directory: %w", err)
			}
			scratch = dir
		}

		name = filepath.Base(name)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			name = "payload-" + uuid.NewString()
		}
		tmpPath := filepath.Join(scratch, name)

		f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return "", fmt.Errorf("duplicate source name %q", name)
			}
			return "", fmt.Errorf("failed to create temp file: %w", err)
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write temp file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close temp file: %w", err)
		}
		return tmpPath, nil
	}

	for _, src := range sources {
		var name string
		var werr error

		switch s := src.(type) {
		case connector.PathSource:
			files = append(files, s.Path)
			continue
		case connector.ByteSource:
			name, werr = write(s.Name, bytes.NewReader(s.Data))
		case connector.ReaderSource:
			name, werr = write(s.Name, s.Reader)
		default:
			werr = fmt.Errorf("unsupported source type %T", src)
		}
		if werr != nil {
			return nil, scratch, werr
		}
		files = append(files, name)
	}
	return files, scratch, nil
}
