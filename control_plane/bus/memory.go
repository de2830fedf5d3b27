package bus

import (
	"context"
	"sync"
)

// RecordingPublisher captures published commands in memory. Tests flip Down
// to simulate a dead backend and FailAgents to fail individual deliveries.
type RecordingPublisher struct {
	mu         sync.Mutex
	commands   []Command
	Down       bool
	FailAgents map[string]error
}

// NewRecordingPublisher returns an empty recorder.
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{FailAgents: make(map[string]error)}
}

func (p *RecordingPublisher) Publish(ctx context.Context, cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Down {
		return ErrUnavailable
	}
	if err := p.FailAgents[cmd.AgentID]; err != nil {
		return err
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	p.commands = append(p.commands, cmd)
	return nil
}

func (p *RecordingPublisher) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Down {
		return ErrUnavailable
	}
	return nil
}

func (p *RecordingPublisher) Close() error { return nil }

// Commands returns a copy of everything published so far.
func (p *RecordingPublisher) Commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Command, len(p.commands))
	copy(out, p.commands)
	return out
}

// CommandsFor filters captured commands by agent.
func (p *RecordingPublisher) CommandsFor(agentID string) []Command {
	var out []Command
	for _, c := range p.Commands() {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the capture buffer.
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = nil
}
