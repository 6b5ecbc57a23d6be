// Package eventbus 进程内实现
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"agenthost/internal/shared/model"
)

// MemoryBus 进程内有界环广播总线
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[int64]*memorySub
	nextID   atomic.Int64
	seq      atomic.Int64
	ringSize int
	closed   bool
}

// NewMemoryBus 创建进程内总线
//
// ringSize <= 0 时使用 DefaultRingSize。
func NewMemoryBus(ringSize int) *MemoryBus {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &MemoryBus{
		subs:     make(map[int64]*memorySub),
		ringSize: ringSize,
	}
}

// memorySub 单个订阅者
//
// ring 为有界环；满时丢最旧并累加 lagged，
// 下一次成功投递的信封携带累计丢失数。
type memorySub struct {
	bus    *MemoryBus
	id     int64
	filter Filter

	mu     sync.Mutex
	ring   []Envelope
	notify chan struct{}
	out    chan Envelope
	lagged int
	closed bool
	done   chan struct{}
}

// Publish 发布事件
func (b *MemoryBus) Publish(event *model.ContextEvent) {
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Seq = int(b.seq.Add(1))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		sub.push(event)
	}
}

// Subscribe 订阅事件
func (b *MemoryBus) Subscribe(filter Filter) Subscription {
	sub := &memorySub{
		bus:    b,
		id:     b.nextID.Add(1),
		filter: filter,
		ring:   make([]Envelope, 0, b.ringSize),
		notify: make(chan struct{}, 1),
		out:    make(chan Envelope),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Close 关闭总线
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[int64]*memorySub)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// push 入环；满则丢最旧
func (s *memorySub) push(event *model.ContextEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ring) >= cap(s.ring) {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
		s.lagged++
	}
	s.ring = append(s.ring, Envelope{Event: event})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump 将环中事件顺序送入输出通道
func (s *memorySub) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.ring) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.ring[0]
			copy(s.ring, s.ring[1:])
			s.ring = s.ring[:len(s.ring)-1]
			env.Lagged = s.lagged
			s.lagged = 0
			s.mu.Unlock()

			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		}
	}
}

// C 事件接收通道
func (s *memorySub) C() <-chan Envelope {
	return s.out
}

// Close 取消订阅
func (s *memorySub) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)

	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
}
