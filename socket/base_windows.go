package socket

import "syscall"

const (
	SO_REUSEPORT = 0 // windows 没有 SO_REUSEPORT
	SO_REUSEADDR = syscall.SO_REUSEADDR
)

type Handle struct {
	H syscall.Handle
}

func newHandle(h uintptr) Handle {
	return Handle{
		H: syscall.Handle(h),
	}
}
