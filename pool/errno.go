package pool

import (
	"github.com/lxt1045/errors"
)

/*
错误码分配：
| 31~24(8bit:256) | 23~16(8bit:256) | 15~0(16bit:65536) |
     服务编号         模块编号              错误编号
*/

var (
	ErrPoolClosed = errors.NewCode(0, 0x01030001, "pool closed")
	ErrNoPort     = errors.NewCode(0, 0x01030002, "no usable port")
	ErrNotBound   = errors.NewCode(0, 0x01030003, "address not bound")
)
