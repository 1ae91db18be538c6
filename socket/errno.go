package socket

import (
	"github.com/lxt1045/errors"
)

/*
错误码分配：
| 31~24(8bit:256) | 23~16(8bit:256) | 15~0(16bit:65536) |
     服务编号         模块编号              错误编号
*/

var (
	ErrClosed        = errors.NewCode(0, 0x01020001, "socket closed")
	ErrFamily        = errors.NewCode(0, 0x01020002, "address family mismatch")
	ErrInvalidAddr   = errors.NewCode(0, 0x01020003, "invalid address")
	ErrUnexpectedRaw = errors.NewCode(0, 0x01020004, "unexpected conn type")
)
