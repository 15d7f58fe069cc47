package tasks

import (
	"context"
	"fmt"

	"steadyscope/internal/motion"
)

// CorrectionManager selects and executes processors.
type CorrectionManager struct {
	processors map[string]CorrectionProcessor
	order      []string
	preferred  string
}

// NewCorrectionManager registers the built-in processors. preferred names a
// processor to try first when it supports the requested method.
func NewCorrectionManager(preferred string) *CorrectionManager {
	m := &CorrectionManager{processors: make(map[string]CorrectionProcessor), preferred: preferred}
	m.Register(&OpenCVProcessor{})
	m.Register(&NativeProcessor{})
	return m
}

// Register a processor.
func (m *CorrectionManager) Register(p CorrectionProcessor) {
	if p == nil {
		return
	}
	if _, exists := m.processors[p.Name()]; !exists {
		m.order = append(m.order, p.Name())
	}
	m.processors[p.Name()] = p
}

// Processors exposes registry.
func (m *CorrectionManager) Processors() map[string]CorrectionProcessor {
	return m.processors
}

// Available lists registered processors usable in this binary, in registration order.
func (m *CorrectionManager) Available() []string {
	var out []string
	for _, name := range m.order {
		if m.processors[name].IsAvailable() {
			out = append(out, name)
		}
	}
	return out
}

// Select returns the processor for method. An unsupported or unavailable
// method is a configuration error.
func (m *CorrectionManager) Select(method motion.Method) (CorrectionProcessor, error) {
	method, err := motion.ParseMethod(string(method))
	if err != nil {
		return nil, err
	}
	if p, ok := m.processors[m.preferred]; ok && p.IsAvailable() && p.SupportsMethod(method) {
		return p, nil
	}
	for _, name := range m.order {
		p := m.processors[name]
		if p.IsAvailable() && p.SupportsMethod(method) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no correction processor available for method %q", motion.ErrConfiguration, method)
}

// Correct runs the full correction with the processor matching req's method.
func (m *CorrectionManager) Correct(ctx context.Context, req CorrectionRequest) (*motion.Result, string, error) {
	p, err := m.Select(req.Options.Method)
	if err != nil {
		return nil, "", err
	}
	res, err := p.Correct(ctx, req)
	return res, p.Name(), err
}

// Extract estimates shifts only with the processor matching req's method.
func (m *CorrectionManager) Extract(ctx context.Context, req CorrectionRequest) ([]motion.Shift, []motion.Warning, error) {
	p, err := m.Select(req.Options.Method)
	if err != nil {
		return nil, nil, err
	}
	return p.Extract(ctx, req)
}
