package tasks

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"instabot_go/models"
	"instabot_go/pkg/docker"
)

// spawnGrace: сколько задача может оставаться без PID после запуска.
const spawnGrace = time.Minute

// Reconcile сверяет активные задачи с процессами в контейнерах.
// Задача без PID получает PID найденного по маркеру процесса; задача, чей процесс
// пропал, переводится в stopped. Возвращает число остановленных задач.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveTasks()
	if err != nil {
		return 0, err
	}

	clients := map[string]*models.Client{}
	procs := map[string][]docker.Process{}
	var stopped int
	for i := range active {
		t := &active[i]
		log := s.log.WithFields(logrus.Fields{"task": t.ID, "client": t.ClientID})

		c, ok := clients[t.ClientID]
		if !ok {
			if c, err = s.store.GetClientByID(t.ClientID); err != nil {
				log.Warnf("[RECONCILE] client lookup failed: %v", err)
				continue
			}
			clients[t.ClientID] = c
		}

		list, ok := procs[c.GroupID]
		if !ok {
			g, err := s.store.GetGroupByID(c.GroupID)
			if err != nil {
				log.Warnf("[RECONCILE] group lookup failed: %v", err)
				continue
			}
			if list, err = s.docker.ListProcesses(ctx, g.DockerID); err != nil {
				log.Warnf("[RECONCILE] ps failed in %s: %v", g.DockerID, err)
				continue
			}
			procs[c.GroupID] = list
		}

		if t.PID == nil {
			if pid, found := docker.FindPID(list, processMarker(t.ID)); found {
				if err := s.store.SetTaskPID(t.ID, pid); err != nil {
					log.Warnf("[RECONCILE] failed to save pid: %v", err)
				} else {
					log.WithField("pid", pid).Info("[RECONCILE] adopted process")
				}
				continue
			}
			if time.Since(t.TimeStart) < spawnGrace {
				continue
			}
		} else if docker.Owns(list, *t.PID, processMarker(t.ID)) {
			continue
		}

		if _, err := s.markExited(ctx, t, c); err != nil {
			log.Debugf("[RECONCILE] skip: %v", err)
			continue
		}
		stopped++
	}
	return stopped, nil
}

// RunReconciler вызывает Reconcile каждые interval до отмены ctx.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reconcile(ctx)
			if err != nil {
				s.log.Errorf("[RECONCILE] %v", err)
				continue
			}
			if n > 0 {
				s.log.Infof("[RECONCILE] stopped %d tasks without process", n)
			}
		}
	}
}
