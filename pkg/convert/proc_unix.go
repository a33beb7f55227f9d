//go:build unix

package convert

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// isolate puts the converter in its own process group so that cancellation
// kills everything it spawned, not only the direct child.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
