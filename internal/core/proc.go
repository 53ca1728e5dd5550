package core

import (
	"context"
	"errors"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// descendants returns every live process below pid, nearest first. A pid
// that already exited has none.
func descendants(ctx context.Context, pid int) ([]*process.Process, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, nil
		}
		return nil, err
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := cur.ChildrenWithContext(ctx)
		if err != nil && !errors.Is(err, process.ErrorNoChildren) {
			if cur == root {
				return nil, err
			}
			continue
		}
		for _, child := range children {
			if !processAlive(ctx, child) {
				continue
			}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

// processAlive treats zombies as exited.
func processAlive(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return !slices.Contains(status, process.Zombie)
}

func anyAlive(ctx context.Context, procs []*process.Process) bool {
	for _, p := range procs {
		if processAlive(ctx, p) {
			return true
		}
	}
	return false
}
