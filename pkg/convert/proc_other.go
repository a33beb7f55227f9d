//go:build !unix

package convert

import "os/exec"

// isolate keeps the default cancellation, which kills the direct child only.
func isolate(*exec.Cmd) {}
