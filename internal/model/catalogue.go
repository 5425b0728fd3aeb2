package model

import "time"

type ThreatPattern struct {
	Name        string        `json:"name" yaml:"name"`
	Indicators  []EventKind   `json:"indicators" yaml:"indicators"`
	Window      time.Duration `json:"window" yaml:"window"`
	Threshold   int           `json:"threshold" yaml:"threshold"`
	Weight      float64       `json:"weight" yaml:"weight"`
	Description string        `json:"description" yaml:"description"`
}

func (p ThreatPattern) Indicates(kind EventKind) bool {
	for _, k := range p.Indicators {
		if k == kind {
			return true
		}
	}
	return false
}

type RecoveryWorkflow struct {
	Name             string           `json:"name" yaml:"name"`
	Triggers         []EventKind      `json:"triggers" yaml:"triggers"`
	Actions          []SecurityAction `json:"actions" yaml:"actions"`
	RequiresApproval bool             `json:"requires_approval" yaml:"requires_approval"`
	MaxRetries       int              `json:"max_retries" yaml:"max_retries"`
	Timeout          time.Duration    `json:"timeout" yaml:"timeout"`
}

func (w RecoveryWorkflow) TriggeredBy(kind EventKind) bool {
	for _, k := range w.Triggers {
		if k == kind {
			return true
		}
	}
	return false
}
