//go:build !unix

package parallel

import (
	"os"
	"os/exec"
	"time"
)

func setProcessGroup(*exec.Cmd) {}

func signalGroup(p *os.Process, sig os.Signal) error {
	if sig == os.Kill {
		return p.Kill()
	}
	return p.Signal(sig)
}

func killLadder(time.Duration, time.Duration) []killRung {
	return []killRung{{sig: os.Kill}}
}
