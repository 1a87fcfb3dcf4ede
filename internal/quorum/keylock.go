package quorum

import "sync"

// KeyLock 为每个协作体 ID 提供互斥范围。同一协作体上的投票准入、
// 发射写入、交易记账与毕业检查必须串行，不同协作体完全并行。
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyLock 创建 KeyLock。
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock 获取指定键的互斥锁，返回对应的解锁函数。
func (k *KeyLock) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
