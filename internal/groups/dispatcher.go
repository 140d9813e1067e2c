package groups

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// dispatcher держит отмену фоновых запусков, сгруппированных по пользователю.
type dispatcher struct {
	mu   sync.Mutex
	next int
	runs map[int]run
	wg   sync.WaitGroup
	log  logrus.FieldLogger
}

type run struct {
	userID string
	cancel context.CancelFunc
}

func newDispatcher(log logrus.FieldLogger) *dispatcher {
	return &dispatcher{runs: make(map[int]run), log: log}
}

// start запускает fn в отдельной горутине с возможностью отмены.
func (d *dispatcher) start(userID string, fn func(ctx context.Context)) int {
	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.next++
	id := d.next
	d.runs[id] = run{userID: userID, cancel: cancel}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.runs, id)
			d.mu.Unlock()
			cancel()
		}()
		fn(ctx)
	}()
	return id
}

// cancelUser отменяет запуски пользователя и возвращает их число.
func (d *dispatcher) cancelUser(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, r := range d.runs {
		if r.userID == userID {
			r.cancel()
			delete(d.runs, id)
			n++
		}
	}
	return n
}

func (d *dispatcher) cancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, r := range d.runs {
		r.cancel()
		delete(d.runs, id)
	}
}

func (d *dispatcher) wait() { d.wg.Wait() }
