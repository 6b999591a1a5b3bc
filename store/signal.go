package store

import (
	"fmt"
	"os"
	"syscall"
)

// signalsByName maps the subset of signal names the killScript API accepts
// (spec.md §4.D: "killScript(shellId, scriptId, signal?)").
var signalsByName = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
}

// OSKill is the production KillFunc: it delivers a real signal to pid via
// the host kernel. Callers inject it explicitly so store itself stays
// testable without touching real processes.
func OSKill(pid int, signal string) error {
	sig, ok := signalsByName[signal]
	if !ok {
		return fmt.Errorf("unsupported signal %q", signal)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return proc.Signal(sig)
}
