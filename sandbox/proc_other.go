//go:build !linux && !darwin

package sandbox

import (
	"errors"
	"os/exec"
)

var errUnsupportedPlatform = errors.New("sandbox workers require linux or darwin")

func applyLimits(WorkerSpec) error {
	return errUnsupportedPlatform
}

func execPython(string) error {
	return errUnsupportedPlatform
}

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(int) error {
	return nil
}

func signalOf(error) (string, bool) {
	return "", false
}
