// Package gid 生成进程内唯一、单调递增的 64 位 ID；socket 句柄标识和 logid 都从这里取。
package gid

import (
	"sync/atomic"
	"time"
)

/*
	不用(1bit)  | 时间戳(s, 33bit,至2242年)  |  序列号(16bit,65536) | node(14bit,16384)
	 63         |  30~62                     |   14~29             |    0~13
	0x01 <<63   |    0x1ffffffff <<30        |   0xffff <<14       |    0x3fff
*/

const (
	NodeMask = 0x3FFF

	seqShift = 14
	tsShift  = 30
	seqStep  = 1 << seqShift
	tsMask   = 0x1FFFFFFFF
)

var (
	nodeID int64
	lastID atomic.Int64
)

// SetNode 设置低 14 位的节点编号，已发出的 ID 不受影响
func SetNode(node int16) {
	n := int64(node) & NodeMask
	atomic.StoreInt64(&nodeID, n)
	for {
		last := lastID.Load()
		if last&NodeMask == n {
			return
		}
		if lastID.CompareAndSwap(last, (last&^NodeMask)|n) {
			return
		}
	}
}

func Node() int64 {
	return atomic.LoadInt64(&nodeID)
}

func TsToGID(ts int64) int64 {
	return (ts&tsMask)<<tsShift | Node()
}

func GIDToTs(id int64) int64 {
	return id >> tsShift
}

// Parse 拆出时间戳、node 和序列号
func Parse(id int64) (ts time.Time, node, seq int64) {
	ts = time.Unix(id>>tsShift, 0)
	node = id & NodeMask
	seq = (id >> seqShift) & 0xffff
	return
}

// WithNode 替换 ID 中的 node 部分
func WithNode(id, node int64) int64 {
	return (id & 0x7FFFFFFFFFFFC000) | (node & NodeMask)
}

// GetGID 同一秒内序列号用完时借用下一秒，保证不重复
func GetGID() int64 {
	tsID0 := TsToGID(time.Now().Unix()) // 当前秒数第0个编号
	for {
		last := lastID.Load()
		if last >= tsID0 {
			return lastID.Add(seqStep)
		}
		if lastID.CompareAndSwap(last, tsID0) {
			return tsID0
		}
	}
}
