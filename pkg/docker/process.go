package docker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Process — строка вывода ps.
type Process struct {
	PID  string
	Stat string
	Args string
}

// Zombie сообщает, что процесс завершился и ждёт, пока его подберут.
func (p Process) Zombie() bool {
	return strings.HasPrefix(p.Stat, "Z") || strings.HasSuffix(p.Args, "<defunct>")
}

// statField — колонка STAT из ps: буква состояния и модификаторы.
var statField = regexp.MustCompile(`^[DIRSTtWXZ][<NLsl+]*$`)

// ParseProcesses разбирает вывод `ps -eo pid=,stat=,args=`. Строки без колонки
// STAT (`ps -eo pid=,args=`) тоже понимаются.
func ParseProcesses(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, rest, _ := strings.Cut(line, " ")
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}
		p := Process{PID: pid, Args: strings.TrimSpace(rest)}
		if stat, args, ok := strings.Cut(p.Args, " "); ok && statField.MatchString(stat) {
			p.Stat, p.Args = stat, strings.TrimSpace(args)
		} else if statField.MatchString(p.Args) {
			p.Stat, p.Args = p.Args, ""
		}
		procs = append(procs, p)
	}
	return procs
}

// FindPID ищет живой процесс, в аргументах которого есть marker. Сам ps пропускается.
func FindPID(procs []Process, marker string) (string, bool) {
	for _, p := range procs {
		if p.Zombie() || strings.HasPrefix(p.Args, "ps ") {
			continue
		}
		if strings.Contains(p.Args, marker) {
			return p.PID, true
		}
	}
	return "", false
}

// HasPID проверяет, что процесс с таким PID жив. Зомби не считаются.
func HasPID(procs []Process, pid string) bool {
	for _, p := range procs {
		if p.PID == pid {
			return !p.Zombie()
		}
	}
	return false
}

// Owns проверяет, что живой процесс pid запущен со скриптом marker.
func Owns(procs []Process, pid, marker string) bool {
	for _, p := range procs {
		if p.PID == pid {
			return !p.Zombie() && strings.Contains(p.Args, marker)
		}
	}
	return false
}

func parsePID(out string) (string, error) {
	pid := strings.TrimSpace(out)
	if i := strings.LastIndex(pid, "\n"); i >= 0 {
		pid = strings.TrimSpace(pid[i+1:])
	}
	if n, err := strconv.Atoi(pid); err != nil || n <= 0 {
		return "", fmt.Errorf("unexpected spawn output %q", out)
	}
	return pid, nil
}
