package pool


// Frame 可重用的出站帧对象
// 广播扇出时同一帧要写给多个连接，Data 只编码一次
type Frame struct {
	Critical bool   // 关键帧（背压时不可丢弃）
	Data     []byte // 编码后的帧数据
	buf      []byte // 内部缓冲区，避免Data反复扩容
}

// Reset 重置帧对象状态（归还池时调用）
func (f *Frame) Reset() {
	f.Critical = false
	f.Data = f.Data[:0]
	// 过大的缓冲区重新收缩，避免池里滞留大对象
	if cap(f.buf) > 65536 {
		f.buf = make([]byte, 0, 4096)
	} else {
		f.buf = f.buf[:0]
	}
}

// SetData 设置帧数据（复用内部缓冲区）
func (f *Frame) SetData(data []byte) {
	if cap(f.buf) < len(data) {
		f.buf = make([]byte, len(data))
	}
	f.buf = f.buf[:len(data)]
	copy(f.buf, data)
	f.Data = f.buf
}

// FramePool 帧对象池（基于GenericPool）
type FramePool struct {
	*GenericPool
}

// NewFramePool 创建帧池
func NewFramePool(maxSize int) *FramePool {
	return &FramePool{
		GenericPool: NewGenericPool(
			maxSize,
			func() interface{} {
				return &Frame{
					buf: make([]byte, 0, 4096),
				}
			},
			func(obj interface{}) {
				if frame, ok := obj.(*Frame); ok {
					frame.Reset()
				}
			},
		),
	}
}

// GetFrame 获取帧对象（类型安全封装）
func (p *FramePool) GetFrame() *Frame {
	return p.Get().(*Frame)
}

// PutFrame 归还帧对象
func (p *FramePool) PutFrame(frame *Frame) {
	p.Put(frame)
}

// PoolStats 单个池的统计信息
type PoolStats struct {
	Name      string // 池名称
	Size      int    // 总对象数
	Available int    // 空闲对象数
	Created   int64  // 累计创建数
	Gotten    int64  // 累计获取数
	Put       int64  // 累计归还数
}

// HubPools 集中管理Hub用到的对象池
type HubPools struct {
	FramePool      *FramePool
	ByteBufferPool *ByteBufferPool
}

// NewHubPools 创建Hub对象池集合
func NewHubPools() *HubPools {
	return &HubPools{
		FramePool:      NewFramePool(10000),
		ByteBufferPool: NewByteBufferPool(),
	}
}

// GetStats 获取所有池的统计信息
func (hp *HubPools) GetStats() []PoolStats {
	created, gotten, put := hp.FramePool.Stats()
	return []PoolStats{
		{
			Name:      "FramePool",
			Size:      hp.FramePool.Size(),
			Available: hp.FramePool.Available(),
			Created:   created,
			Gotten:    gotten,
			Put:       put,
		},
	}
}
