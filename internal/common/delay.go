package common

import (
	"context"
	"math/rand"
	"time"
)

// waitStep: как часто во время ожидания проверяется отмена.
const waitStep = 5 * time.Second

// WaitWithCancellation ждёт случайное число секунд из [delayRange[0], delayRange[1]].
// Возвращает ctx.Err(), если контекст отменён раньше.
func WaitWithCancellation(ctx context.Context, delayRange [2]int) error {
	from, to := delayRange[0], delayRange[1]
	if to < from {
		from, to = to, from
	}
	if from < 0 {
		from = 0
	}
	if to < 0 {
		to = 0
	}
	remaining := time.Duration(rand.Intn(to-from+1)+from) * time.Second
	for remaining > 0 {
		step := waitStep
		if remaining < step {
			step = remaining
		}
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		remaining -= step
	}
	return ctx.Err()
}
