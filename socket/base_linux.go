package socket

import "syscall"

const (
	SO_REUSEPORT = 0x0F
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
