package ssh

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	fake := newFakeClients(t)

	conn, err := New("localhost", fake.options(WithLogin("alice"))...)
	require.NoError(t, err)
	defer conn.Close()

	result, err := conn.Execute(context.Background(), "echo hello; echo oops >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(result.Stdout))
	assert.Equal(t, "oops", string(result.Stderr))
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "echo hello; echo oops >&2", result.Command)

	calls := fake.calls(t)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"ssh", "-l", "alice", "localhost", DefaultInterpreter}, calls[0].Argv)
}

func TestExecuteNonzeroExitIsResult(t *testing.T) {
	fake := newFakeClients(t)

	conn, err := New("localhost", fake.options()...)
	require.NoError(t, err)
	defer conn.Close()

	for _, code := range []int{1, 3, 254} {
		result, err := conn.ExecuteWith(context.Background(), "exit "+strconv.Itoa(code), ExecOptions{Interpreter: "/bin/sh"})
		require.NoError(t, err)
		assert.Equal(t, code, result.ExitCode)
		assert.False(t, result.Success())
	}
}

func TestExecuteClientError(t *testing.T) {
	fake := newFakeClients(t)
	t.Setenv(fakeExitEnv, "255")

	conn, err := New("localhost", fake.options()...)
	require.NoError(t, err)
	defer conn.Close()

	result, err := conn.Execute(context.Background(), "true")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrRemoteClient)
	assert.ErrorIs(t, err, ErrSSH)

	var sshErr *Error
	require.True(t, errors.As(err, &sshErr))
	assert.Equal(t, 255, sshErr.ExitCode)
	assert.Contains(t, sshErr.Stderr, "Connection refused")
	assert.Equal(t, fake.ssh(), sshErr.Command[0])
	assert.Contains(t, err.Error(), "(under ")
}

func TestExecuteTimeout(t *testing.T) {
	fake := newFakeClients(t)
	t.Setenv(fakeSleepEnv, "30s")

	conn, err := New("localhost", fake.options(WithTimeout(200*time.Millisecond))...)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.Execute(context.Background(), "true")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteCanceled(t *testing.T) {
	fake := newFakeClients(t)
	t.Setenv(fakeSleepEnv, "30s")

	conn, err := New("localhost", fake.options()...)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err = conn.Execute(ctx, "true")
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestExecuteSpawnError(t *testing.T) {
	conn, err := New("localhost", WithSSHBinary(filepath.Join(t.TempDir(), "no-such-ssh")))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestAgentSocket(t *testing.T) {
	fake := newFakeClients(t)
	t.Setenv("SSH_AUTH_SOCK", "/inherited.sock")

	conn, err := New("localhost", fake.options(WithAgentSocket("/configured.sock"))...)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Execute(context.Background(), "true")
	require.NoError(t, err)

	secondary, err := New("localhost", fake.options(
		WithAgentSocket("/configured.sock"),
		WithRole(RoleSecondary, filepath.Join(t.TempDir(), "ctl")),
	)...)
	require.NoError(t, err)
	defer secondary.Close()

	_, err = secondary.Execute(context.Background(), "true")
	require.NoError(t, err)

	calls := fake.calls(t)
	require.Len(t, calls, 2)
	assert.Equal(t, "/configured.sock", calls[0].Agent)
	assert.Equal(t, "/inherited.sock", calls[1].Agent, "secondary calls keep the caller's agent")
}

func TestPrimaryOnlyRejectsCommands(t *testing.T) {
	fake := newFakeClients(t)
	ctl := filepath.Join(t.TempDir(), "ctl")

	conn, err := New("localhost", fake.options(WithLogin("alice"), WithRole(RolePrimary, ctl))...)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, StateControlActive, conn.State())
	require.NoError(t, conn.WaitForControl(context.Background()))

	_, err = conn.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, ErrRole)

	err = conn.TransferUp(context.Background(), nil, "/tmp", noFixup)
	assert.ErrorIs(t, err, ErrRole)

	err = conn.TransferDown(context.Background(), "/etc/hosts", t.TempDir(), noFixup)
	assert.ErrorIs(t, err, ErrRole)

	// Only the master and the control checks ever ran.
	for _, c := range fake.calls(t) {
		if c.has("-O") {
			continue
		}
		assert.Equal(t, []string{"ssh", "-l", "alice", "-N", "-M", "-S", ctl, "localhost"}, c.Argv)
	}
}

func TestPrimaryAndSecondary(t *testing.T) {
	fake := newFakeClients(t)
	ctl := filepath.Join(t.TempDir(), "ctl")
	t.Setenv("SSH_AUTH_SOCK", "/inherited.sock")

	conn, err := New("localhost", fake.options(
		WithLogin("alice"),
		WithAgentSocket("/configured.sock"),
		WithRole(RolePrimaryAndSecondary, ctl),
	)...)
	require.NoError(t, err)

	require.NoError(t, conn.WaitForControl(context.Background()))
	require.FileExists(t, ctl)

	result, err := conn.Execute(context.Background(), "echo shared")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(result.Stdout))

	var exec call
	for _, c := range fake.calls(t) {
		if !c.has("-M") && !c.has("-O") {
			exec = c
		}
	}
	assert.Equal(t, []string{"ssh", "-l", "alice", "-S", ctl, "localhost", DefaultInterpreter}, exec.Argv)
	assert.Equal(t, "/configured.sock", exec.Agent, "both roles carry their own credentials")

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.NoFileExists(t, ctl, "master removes its socket when stopped")

	_, err = conn.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, conn.Close(), "Close is idempotent")
}

func TestSecondaryRidesPrimary(t *testing.T) {
	fake := newFakeClients(t)
	ctl := filepath.Join(t.TempDir(), "ctl")

	primary, err := New("localhost", fake.options(WithRole(RolePrimary, ctl))...)
	require.NoError(t, err)
	defer primary.Close()
	require.NoError(t, primary.WaitForControl(context.Background()))

	secondary, err := New("localhost", fake.options(WithRole(RoleSecondary, ctl))...)
	require.NoError(t, err)
	defer secondary.Close()

	assert.Equal(t, StateReady, secondary.State())
	require.NoError(t, secondary.CheckControl(context.Background()))

	errs := make(chan error, 4)
	for range 4 {
		go func() {
			_, err := secondary.Execute(context.Background(), "true")
			errs <- err
		}()
	}
	for range 4 {
		assert.NoError(t, <-errs)
	}
}

func TestCheckControlWithoutMaster(t *testing.T) {
	fake := newFakeClients(t)

	conn, err := New("localhost", fake.options(WithRole(RoleSecondary, filepath.Join(t.TempDir(), "ctl")))...)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.CheckControl(context.Background())
	assert.ErrorIs(t, err, ErrRemoteClient)

	standalone, err := New("localhost", fake.options()...)
	require.NoError(t, err)
	defer standalone.Close()
	assert.ErrorIs(t, standalone.CheckControl(context.Background()), ErrRole)
}

func TestWaitForControlGivesUp(t *testing.T) {
	fake := newFakeClients(t)

	conn, err := New("localhost", fake.options(
		WithRole(RoleSecondary, filepath.Join(t.TempDir(), "ctl")),
		WithTimeout(300*time.Millisecond),
	)...)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.WaitForControl(context.Background())
	assert.ErrorIs(t, err, ErrRemoteClient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = conn.WaitForControl(ctx)
	assert.ErrorIs(t, err, ErrSSH)
}

func TestOpenTunnel(t *testing.T) {
	fake := newFakeClients(t)

	conn, err := New("localhost", fake.options()...)
	require.NoError(t, err)
	defer conn.Close()

	fwd, err := NewForwardTunnel("localhost", 15432, "db", 5432)
	require.NoError(t, err)

	h, err := conn.OpenTunnel(context.Background(), fwd)
	require.NoError(t, err)
	assert.Equal(t, []Tunnel{fwd}, h.Tunnels())

	require.Eventually(t, func() bool { return len(fake.calls(t)) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"ssh", "-N", "-L", "localhost:15432:db:5432", "localhost"}, fake.calls(t)[0].Argv)

	select {
	case <-h.Done():
		t.Fatal("tunnel exited early")
	default:
	}

	require.NoError(t, h.Stop())
	<-h.Done()
	assert.NoError(t, h.Stop(), "second Stop is a no-op")

	_, err = conn.OpenTunnel(context.Background())
	assert.ErrorIs(t, err, ErrNothingToDo)
}

func TestCloseReapsTunnels(t *testing.T) {
	fake := newFakeClients(t)
	ctl := filepath.Join(t.TempDir(), "ctl")

	conn, err := New("localhost", fake.options(WithRole(RolePrimaryAndSecondary, ctl))...)
	require.NoError(t, err)

	var handles []*TunnelHandle
	for i := range 3 {
		tun, err := NewForwardTunnel("", 20000+i, "", 80)
		require.NoError(t, err)
		h, err := conn.OpenTunnel(context.Background(), tun)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, conn.Close())

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("tunnel pid %d still running after Close", h.Pid())
		}
		assert.ErrorIs(t, syscall.Kill(h.Pid(), 0), syscall.ESRCH)
	}

	_, err = conn.OpenTunnel(context.Background(), handles[0].Tunnels()...)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseToleratesExitedMaster(t *testing.T) {
	fake := newFakeClients(t)
	ctl := filepath.Join(t.TempDir(), "ctl")

	conn, err := New("localhost", fake.options(WithRole(RolePrimary, ctl))...)
	require.NoError(t, err)
	require.NoError(t, conn.WaitForControl(context.Background()))

	master := conn.masterProcess()
	require.NoError(t, syscall.Kill(master.Pid(), syscall.SIGTERM))
	<-master.Done()

	assert.NoError(t, conn.Close())
}

func TestMetrics(t *testing.T) {
	fake := newFakeClients(t)
	reg := prometheus.NewRegistry()

	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	conn, err := New("localhost", fake.options(WithMetrics(metrics))...)
	require.NoError(t, err)

	_, err = conn.Execute(context.Background(), "true")
	require.NoError(t, err)

	t.Setenv(fakeExitEnv, "255")
	_, err = conn.Execute(context.Background(), "true")
	require.Error(t, err)

	tun, err := NewForwardTunnel("", 18080, "", 80)
	require.NoError(t, err)
	_, err = conn.OpenTunnel(context.Background(), tun)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("execute", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("execute", "client_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tunnels))

	require.NoError(t, conn.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.tunnels))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors can only be registered once")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.observe("execute", time.Now(), nil)
	m.tunnelOpened()
	m.tunnelClosed()
	m.masterStarted()
	m.masterStopped()
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Kind:    ErrRemoteClient,
		Op:      "execute",
		Command: []string{"ssh", "localhost", "/bin/bash"},
		User:    "alice",
		Stderr:  "Permission denied (publickey).",
	}
	assert.Equal(t, "execute: ssh client error [ssh localhost /bin/bash (under alice)]: Permission denied (publickey).", err.Error())

	closed := &Error{Kind: ErrClosed, Op: "execute"}
	assert.Equal(t, "execute: connection closed", closed.Error())
	assert.NotErrorIs(t, closed, ErrTimeout)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "timeout", outcome(&Error{Kind: ErrTimeout}))
	assert.Equal(t, "client_error", outcome(&Error{Kind: ErrRemoteClient}))
	assert.Equal(t, "transfer_error", outcome(&Error{Kind: ErrTransfer, Err: &Error{Kind: ErrRemoteClient}}))
	assert.Equal(t, "error", outcome(errors.New("other")))
}
