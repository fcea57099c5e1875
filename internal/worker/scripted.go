package worker

import (
	"context"
	"fmt"
	"time"

	"warpsurf/internal/domain"
)

// Script describes the canned behavior of one subtask.
type Script struct {
	Result string
	Err    error
	Delay  time.Duration
}

// Scripted executes subtasks from a fixed script. Subtasks without a
// script entry succeed with a generated result. Useful for dry runs and
// exercising the scheduler without a model behind it.
type Scripted struct {
	Scripts map[int]Script
}

func NewScripted(scripts map[int]Script) *Scripted {
	return &Scripted{Scripts: scripts}
}

func (w *Scripted) Execute(ctx context.Context, subtask domain.Subtask, prior map[int]domain.SubtaskOutput) (domain.SubtaskOutput, error) {
	script := w.Scripts[subtask.ID]
	if script.Delay > 0 {
		timer := time.NewTimer(script.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.SubtaskOutput{}, ctx.Err()
		case <-timer.C:
		}
	} else if ctx.Err() != nil {
		return domain.SubtaskOutput{}, ctx.Err()
	}
	if script.Err != nil {
		return domain.SubtaskOutput{}, script.Err
	}
	result := script.Result
	if result == "" {
		result = fmt.Sprintf("completed %q", subtask.Title)
	}
	return domain.SubtaskOutput{
		SubtaskID: subtask.ID,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}, nil
}
