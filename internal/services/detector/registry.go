package detector

import (
	"fmt"
	"sort"

	"SignalFlow/internal/domain/service"
)

// Factory builds a detector with its default parameters.
type Factory func() service.Detector

var builtins = map[string]Factory{
	FVGName:           func() service.Detector { return NewFVG(DefaultFVGConfig()) },
	SwingName:         func() service.Detector { return NewSwing(DefaultSwingConfig()) },
	RSIDivergenceName: func() service.Detector { return NewRSIDivergence(DefaultRSIDivergenceConfig()) },
	EngulfingName:     func() service.Detector { return NewEngulfing(DefaultEngulfingConfig()) },
	OrderBlockName:    func() service.Detector { return NewOrderBlock(DefaultOrderBlockConfig()) },
	CHoCHName:         func() service.Detector { return NewCHoCH(DefaultCHoCHConfig()) },
}

// Names lists the built-in detectors in a stable order.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for n := range builtins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build returns detectors for the given names. An empty list enables every built-in.
func Build(names []string) ([]service.Detector, error) {
	if len(names) == 0 {
		names = Names()
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]service.Detector, 0, len(names))
	for _, n := range names {
		f, ok := builtins[n]
		if !ok {
			return nil, fmt.Errorf("unknown detector %q", n)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, f())
	}
	return out, nil
}
