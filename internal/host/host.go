// Package host defines the capability interface through which the
// orchestrator reaches the external operator console (the Host), and a
// default logging implementation that lets the bridge run standalone
// without a real Host attached.
package host

import (
	"fmt"

	"github.com/aditbridge/core/internal/logging"
	"github.com/aditbridge/core/internal/model"
)

// Status classifies the host-facing status surface.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusDisconnected
	StatusBadConfig
	StatusConnecting
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusDisconnected:
		return "disconnected"
	case StatusBadConfig:
		return "badConfig"
	case StatusConnecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// StatusReport is the value pushed to SetStatus: the classified status plus
// the human-readable message built from the active issue set.
type StatusReport struct {
	Status  Status
	Message string
}

// Sink is the capability interface the orchestrator pushes to; it never
// imports anything about the Host beyond this interface.
type Sink interface {
	SetStatus(report StatusReport)
	SetVariable(id, value string)
	SetVariableDefinitions(defs []model.VariableDescriptor)
	SetActionDefinitions(defs []model.RuleDescriptor)
	Log(level, msg string)
	SaveConfig(patch map[string]any)
}

// LoggingSink is the default Sink: every push is rendered to the logger
// instead of forwarded anywhere. It is what cmd/bridge wires when no
// operator console is attached.
type LoggingSink struct {
	log *logging.Logger
}

func NewLoggingSink(log *logging.Logger) *LoggingSink {
	return &LoggingSink{log: log}
}

func (s *LoggingSink) SetStatus(report StatusReport) {
	s.log.Info("status -> %s: %s", report.Status, report.Message)
}

func (s *LoggingSink) SetVariable(id, value string) {
	s.log.Debug("variable %s = %s", id, value)
}

func (s *LoggingSink) SetVariableDefinitions(defs []model.VariableDescriptor) {
	s.log.Info("rebound %d variable definitions", len(defs))
}

func (s *LoggingSink) SetActionDefinitions(defs []model.RuleDescriptor) {
	s.log.Info("rebound %d action definitions", len(defs))
}

func (s *LoggingSink) Log(level, msg string) {
	s.log.Info("[%s] %s", level, msg)
}

func (s *LoggingSink) SaveConfig(patch map[string]any) {
	s.log.Info("save config requested: %s", fmt.Sprint(patch))
}

// Close is a no-op; it lets LoggingSink satisfy any future io.Closer-style
// teardown convention.
func (s *LoggingSink) Close() {}
