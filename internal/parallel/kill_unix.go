//go:build unix

package parallel

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup signals every process in the group led by p.
func signalGroup(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	err := unix.Kill(-p.Pid, s)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// killLadder asks nicely first. SIGXCPU lets well-behaved children dump
// state before SIGTERM and SIGKILL.
func killLadder(sigtermTimeout, sigkillTimeout time.Duration) []killRung {
	return []killRung{
		{sig: unix.SIGXCPU, wait: sigtermTimeout},
		{sig: unix.SIGTERM, wait: sigkillTimeout},
		{sig: unix.SIGKILL},
	}
}
