//go:build unix && !linux

package fdio

import "golang.org/x/sys/unix"

// dupCloseOnExec duplicates oldfd onto newfd with the close-on-exec flag set.
// dup2 clears the flag on newfd, so it has to be set again.
func dupCloseOnExec(oldfd, newfd int) error {
	if err := unix.Dup2(oldfd, newfd); err != nil {
		return wrapSyscallError("dup2", err)
	}
	return setCloseOnExec(newfd, true)
}
