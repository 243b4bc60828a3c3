package fdio

import "golang.org/x/sys/unix"

// dupCloseOnExec duplicates oldfd onto newfd with the close-on-exec flag set.
func dupCloseOnExec(oldfd, newfd int) error {
	if oldfd == newfd {
		// dup3 rejects equal descriptors where dup2 would do nothing.
		return setCloseOnExec(newfd, true)
	}
	if err := unix.Dup3(oldfd, newfd, unix.O_CLOEXEC); err != nil {
		return wrapSyscallError("dup3", err)
	}
	return nil
}
