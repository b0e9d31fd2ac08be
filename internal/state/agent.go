package state

import "github.com/rowanhq/stevedore/internal/container"

// AgentState is the persisted view of the agent handed to the engine
// on recovery: frameworks, their executors, and each executor's latest
// run.
type AgentState struct {
	Frameworks []FrameworkState
}

// FrameworkState groups the executors of one framework.
type FrameworkState struct {
	ID        string
	Executors []ExecutorState
}

// ExecutorState is one executor's recovery record. Info or LatestRun
// may be nil when their checkpoints could not be read back.
type ExecutorState struct {
	ID        string
	Info      *container.ExecutorInfo
	LatestRun *RunState
}

// RunState is the latest run of an executor.
type RunState struct {
	ContainerID container.ID
	ForkedPID   *int
	Completed   bool
	Directory   string
}

// LoadAgentState assembles an AgentState from the checkpointed runs.
// Container IDs in the meta store are always top-level.
func (d *DB) LoadAgentState() (*AgentState, error) {
	runs, err := d.ListRuns()
	if err != nil {
		return nil, err
	}

	byFramework := make(map[string]*FrameworkState)
	var order []string
	for _, run := range runs {
		fw, ok := byFramework[run.FrameworkID]
		if !ok {
			fw = &FrameworkState{ID: run.FrameworkID}
			byFramework[run.FrameworkID] = fw
			order = append(order, run.FrameworkID)
		}

		rs := &RunState{
			ContainerID: container.NewID(run.ContainerID),
			ForkedPID:   run.ForkedPID,
			Completed:   run.Completed,
			Directory:   run.Sandbox,
		}
		fw.Executors = append(fw.Executors, ExecutorState{
			ID:        run.ExecutorID,
			Info:      run.Executor,
			LatestRun: rs,
		})
	}

	state := &AgentState{}
	for _, id := range order {
		state.Frameworks = append(state.Frameworks, *byFramework[id])
	}
	return state, nil
}
