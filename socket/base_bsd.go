//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package socket

import "syscall"

const (
	SO_REUSEPORT = syscall.SO_REUSEPORT
	SO_REUSEADDR = syscall.SO_REUSEADDR
)

type Handle struct {
	H int
}

func newHandle(h uintptr) Handle {
	return Handle{
		H: int(h),
	}
}
