package telephony

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

// Script decides how a mock call to a vendor plays out.
type Script struct {
	// PendingPolls is how many GetCallResult calls report pending first.
	PendingPolls int
	Fail         bool
	FailStart    bool
	Transcript   string
}

// Mock is a deterministic CallProvider for local mode and tests. Calls are
// scripted per vendor name; unscripted vendors answer with a fixed quote.
type Mock struct {
	mu      sync.Mutex
	scripts map[string]Script
	calls   map[string]*mockCall
	started []string
	seq     int
}

type mockCall struct {
	name   string
	script Script
	polls  int
}

func NewMock() *Mock {
	return &Mock{
		scripts: make(map[string]Script),
		calls:   make(map[string]*mockCall),
	}
}

// SetScript sets the behaviour for calls to the named vendor.
func (m *Mock) SetScript(name string, s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[name] = s
}

// Started returns the vendor names called so far, in order.
func (m *Mock) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

func (m *Mock) StartCall(ctx context.Context, phone, name, script string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.scripts[name]
	if s.FailStart {
		return "", fmt.Errorf("mock provider rejected call to %s", phone)
	}
	m.seq++
	id := fmt.Sprintf("mock-call-%d", m.seq)
	m.calls[id] = &mockCall{name: name, script: s}
	m.started = append(m.started, name)
	return id, nil
}

func (m *Mock) GetCallResult(ctx context.Context, providerCallID string) (domain.CallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[providerCallID]
	if !ok {
		return domain.CallResult{}, fmt.Errorf("call %s: %w", providerCallID, domain.ErrNotFound)
	}
	if c.polls < c.script.PendingPolls {
		c.polls++
		return domain.CallResult{Status: domain.CallPending}, nil
	}
	if c.script.Fail {
		return domain.CallResult{Status: domain.CallFailed, Reason: "no answer"}, nil
	}

	transcript := c.script.Transcript
	if strings.TrimSpace(transcript) == "" {
		transcript = fmt.Sprintf("Agent: Hi, is this %s? Vendor: Yes, we have them in stock for $120 total.", c.name)
	}
	return domain.CallResult{
		Status:       domain.CallCompleted,
		Transcript:   transcript,
		RecordingRef: "mock://recordings/" + providerCallID,
	}, nil
}
