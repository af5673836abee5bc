// Copyright 2015 Aleksandr Demakin. All rights reserved.

// Package ipc_testing runs helper processes for tests, which need a real peer process.
// A helper is the test binary itself, started with no tests selected and
// a role in its environment. TestMain of the package checks the role
// with HelperRole and runs the helper code instead of the tests.
package ipc_testing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// HelperEnv is the environment variable holding the role of a helper process.
const HelperEnv = "IPC_TEST_HELPER"

// TestAppResult is a result of a helper process run.
type TestAppResult struct {
	Output string
	Err    error
}

// HelperRole returns the role the process was started with, or an empty string for normal test runs.
func HelperRole() string {
	return os.Getenv(HelperEnv)
}

// HelperCommand returns a command, which starts the current test binary as a helper.
// files are inherited by the helper starting from descriptor 3.
func HelperCommand(ctx context.Context, role string, files ...*os.File) *exec.Cmd {
	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), HelperEnv+"="+role)
	cmd.ExtraFiles = files
	return cmd
}

// StartHelper starts a helper and closes the descriptors passed to it.
// To wait for the helper to finish, receive on the returned chan.
func StartHelper(ctx context.Context, role string, files ...*os.File) (*exec.Cmd, <-chan TestAppResult, error) {
	cmd := HelperCommand(ctx, role, files...)
	buff := bytes.NewBuffer(nil)
	cmd.Stdout, cmd.Stderr = buff, buff
	err := cmd.Start()
	for _, f := range files {
		f.Close()
	}
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan TestAppResult, 1)
	go func() {
		ch <- waitForCommand(cmd, buff)
	}()
	return cmd, ch, nil
}

// ExitStatus formats the error of a finished command, adding the exit status when known.
func ExitStatus(err error) error {
	if exiterr, ok := err.(*exec.ExitError); ok {
		if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
			return fmt.Errorf("%v, status code = %d", err, status.ExitStatus())
		}
	}
	return err
}

func waitForCommand(cmd *exec.Cmd, buff *bytes.Buffer) (result TestAppResult) {
	result.Err = ExitStatus(cmd.Wait())
	result.Output = buff.String()
	return
}

// WaitForAppResultChan waits for a value from ch with a timeout.
func WaitForAppResultChan(ch <-chan TestAppResult, d time.Duration) (TestAppResult, bool) {
	select {
	case value := <-ch:
		return value, true
	case <-time.After(d):
		return TestAppResult{}, false
	}
}
