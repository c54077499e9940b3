package pool

import "sync"

// ByteBufferPool 字节缓冲区池（管理不同大小的[]byte）
// 编解码与广播热路径复用缓冲区，减少GC压力
type ByteBufferPool struct {
	pools map[int]*sync.Pool // 按大小分组的子池
	sizes []int              // 支持的缓冲区大小（从小到大）
}

// NewByteBufferPool 创建字节缓冲区池
func NewByteBufferPool() *ByteBufferPool {
	sizes := []int{64, 256, 1024, 4096, 16384, 65536}
	pools := make(map[int]*sync.Pool)

	for _, size := range sizes {
		size := size // 闭包捕获循环变量
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &ByteBufferPool{
		pools: pools,
		sizes: sizes,
	}
}

// GetBuffer 获取指定大小的字节缓冲区
// 找到大于等于目标大小的最小子池，超出最大档位则直接创建
func (p *ByteBufferPool) GetBuffer(size int) []byte {
	for _, poolSize := range p.sizes {
		if size <= poolSize {
			buf := p.pools[poolSize].Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// PutBuffer 归还字节缓冲区（仅归还支持的大小，其他丢弃）
func (p *ByteBufferPool) PutBuffer(buf []byte) {
	size := cap(buf) // 用容量判断，长度可能被截取过

	for _, poolSize := range p.sizes {
		if size == poolSize {
			p.pools[poolSize].Put(buf[:poolSize])
			return
		}
	}
}
