package rhost

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostDisconnectedError_MatchesSentinel(t *testing.T) {
	err := Disconnected(io.EOF)

	require.True(t, errors.Is(err, ErrHostDisconnected))
	require.True(t, errors.Is(err, io.EOF), "reason should be unwrapped")
	require.True(t, IsDisconnected(fmt.Errorf("evaluate: %w", err)))
	require.Contains(t, err.Error(), "EOF")
}

func TestHostDisconnectedError_NilReason(t *testing.T) {
	err := Disconnected(nil)
	require.Equal(t, ErrHostDisconnected.Error(), err.Error())
}

func TestHostBinaryMissingError_MatchesBoth(t *testing.T) {
	missing := &ComponentBinaryMissingError{Component: "R host", Path: "/opt/rhost"}
	err := error(&HostBinaryMissingError{Missing: missing})

	require.True(t, errors.Is(err, ErrHostDisconnected))

	var target *ComponentBinaryMissingError
	require.True(t, errors.As(err, &target))
	require.Equal(t, "/opt/rhost", target.Path)
}

func TestEvaluationError_IsNotDisconnect(t *testing.T) {
	err := error(&EvaluationError{Expression: "stop('x')", Err: &RError{Message: "x"}})

	require.False(t, IsDisconnected(err))

	var rerr *RError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "x", rerr.Message)
}

func TestStartupInfo_CommandLineArgs(t *testing.T) {
	info := StartupInfo{Name: "repl", Interactive: true, CodePage: 65001, Args: []string{"--vanilla"}}

	require.Equal(t, []string{
		"--rhost-name", "repl", "--interactive", "--rhost-codepage", "65001", "--vanilla",
	}, info.CommandLineArgs())
}

func TestStartupInfo_Query(t *testing.T) {
	q := StartupInfo{Name: "repl", CRANMirror: "https://cloud.r-project.org"}.Query()

	require.Equal(t, "repl", q.Get("name"))
	require.Equal(t, "false", q.Get("interactive"))
	require.Equal(t, "https://cloud.r-project.org", q.Get("cran"))
	require.Empty(t, q.Get("codepage"))
}
