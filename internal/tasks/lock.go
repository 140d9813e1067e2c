package tasks

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ClientLocks сериализует команды над одним клиентом.
// Команды разных клиентов выполняются параллельно.
type ClientLocks struct {
	mu    sync.Mutex
	locks map[string]*clientLock
	log   logrus.FieldLogger
}

type clientLock struct {
	ch   chan struct{}
	refs int
}

func NewClientLocks(log logrus.FieldLogger) *ClientLocks {
	return &ClientLocks{locks: make(map[string]*clientLock), log: log}
}

func (l *ClientLocks) acquire(id string) *clientLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &clientLock{ch: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	return lk
}

func (l *ClientLocks) release(id string, lk *clientLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock ждёт освобождения клиента или отмены ctx. Возвращает функцию разблокировки.
func (l *ClientLocks) Lock(ctx context.Context, id string) (func(), error) {
	lk := l.acquire(id)
	select {
	case lk.ch <- struct{}{}:
		l.log.Debugf("[MUTEX] клиент %s заблокирован", id)
		return l.unlocker(id, lk), nil
	case <-ctx.Done():
		l.release(id, lk)
		return nil, ctx.Err()
	}
}

// TryLock захватывает клиента, только если он свободен.
func (l *ClientLocks) TryLock(id string) (func(), bool) {
	lk := l.acquire(id)
	select {
	case lk.ch <- struct{}{}:
		return l.unlocker(id, lk), true
	default:
		l.log.Debugf("[MUTEX] клиент %s занят", id)
		l.release(id, lk)
		return nil, false
	}
}

func (l *ClientLocks) unlocker(id string, lk *clientLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(id, lk)
			l.log.Debugf("[MUTEX] клиент %s разблокирован", id)
		})
	}
}
