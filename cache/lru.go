package cache

import (
	"sync"
)

// ============================================================
// L1 LRU 缓存（双向链表实现 O(1) 操作，条目数 + 字节数双预算）
// ============================================================

type LRUCache struct {
	mu         sync.RWMutex
	maxEntries int
	maxBytes   int64
	totalBytes int64
	items      map[string]*lruNode
	head       *lruNode // 最近使用
	tail       *lruNode // 最久未使用
}

type lruNode struct {
	key   string
	entry *Entry
	bytes int64
	prev  *lruNode
	next  *lruNode
}

// NewLRUCache 创建 L1 缓存。maxBytes <= 0 表示不限制字节数。
func NewLRUCache(maxEntries int, maxBytes int64) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LRUCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[string]*lruNode),
	}
}

func (c *LRUCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}

	// 检查过期
	if node.entry.IsExpired() {
		c.removeNode(node)
		delete(c.items, key)
		c.totalBytes -= node.bytes
		return nil, false
	}

	// 移动到头部（O(1) 操作），簿记在锁内完成
	c.moveToHead(node)
	node.entry.touch()
	return node.entry, true
}

// Touch 在锁内更新条目簿记并记为最近使用。
// 相似度扫描命中后调用，Scan 自身只持读锁不可变更。
func (c *LRUCache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok && !node.entry.IsExpired() {
		c.moveToHead(node)
		node.entry.touch()
	}
}

func (c *LRUCache) Set(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(entry.byteSize())

	// 如果已存在，更新并移动到头部
	if node, ok := c.items[key]; ok {
		c.totalBytes += size - node.bytes
		node.entry = entry
		node.bytes = size
		c.moveToHead(node)
		c.evictOverBudget()
		return
	}

	node := &lruNode{key: key, entry: entry, bytes: size}
	c.items[key] = node
	c.addToHead(node)
	c.totalBytes += size

	c.evictOverBudget()
}

// evictOverBudget 淘汰最久未使用的条目直到回到预算内。
func (c *LRUCache) evictOverBudget() {
	for len(c.items) > c.maxEntries || (c.maxBytes > 0 && c.totalBytes > c.maxBytes) {
		if c.tail == nil {
			return
		}
		c.evictTail()
	}
}

func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
		c.totalBytes -= node.bytes
	}
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*lruNode)
	c.head = nil
	c.tail = nil
	c.totalBytes = 0
}

// Scan 遍历全部未过期条目，fn 返回 false 时提前终止。
// 相似度兜底扫描使用；fn 内不得再调用本缓存的其他方法。
func (c *LRUCache) Scan(fn func(key string, entry *Entry) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for node := c.head; node != nil; node = node.next {
		if node.entry.IsExpired() {
			continue
		}
		if !fn(node.key, node.entry) {
			return
		}
	}
}

// addToHead 添加节点到头部 O(1)
func (c *LRUCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (c *LRUCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (c *LRUCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

// evictTail 淘汰尾部节点 O(1)
func (c *LRUCache) evictTail() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	delete(c.items, victim.key)
	c.removeNode(victim)
	c.totalBytes -= victim.bytes
}

// Stats 返回当前条目数与字节数。
func (c *LRUCache) Stats() (entries int, bytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items), c.totalBytes
}
