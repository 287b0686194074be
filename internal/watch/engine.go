package watch

import (
	"log/slog"
	"sync"

	"github.com/optrail/optrail/internal/alert"
	"github.com/optrail/optrail/internal/config"
	"github.com/optrail/optrail/internal/op"
)

// Rule is a loaded watch rule with its compiled condition.
type Rule struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`

	compiled CompiledRule
}

// AlertManager is the slice of the alert system the engine needs.
type AlertManager interface {
	Send(a alert.Alert)
}

// Engine holds the active rule set and matches it against operation
// events. Rules can be swapped at runtime when the config file reloads;
// evaluation happens on the event dispatch goroutine, never on command
// paths.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule

	eval   *Evaluator
	alerts AlertManager
	logger *slog.Logger
}

// NewEngine creates an Engine with an empty rule set.
func NewEngine(alerts AlertManager, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eval, err := NewEvaluator(logger)
	if err != nil {
		return nil, err
	}
	return &Engine{
		eval:   eval,
		alerts: alerts,
		logger: logger.With("component", "watch.Engine"),
	}, nil
}

// SetRules compiles the configured rules and swaps them in. Rules that
// fail compilation are logged and skipped rather than failing the load,
// so one bad rule does not take down the rest.
func (e *Engine) SetRules(configs []config.WatchRule) int {
	rules := make([]Rule, 0, len(configs))
	for i, rc := range configs {
		compiled, err := e.eval.CompileExpression(rc.Condition)
		if err != nil {
			e.logger.Error("skipping watch rule with invalid condition",
				"rule_name", rc.Name,
				"index", i,
				"error", err,
			)
			continue
		}
		severity := rc.Severity
		switch severity {
		case "info", "warning", "critical":
		default:
			severity = "warning"
		}
		rules = append(rules, Rule{
			Name:      rc.Name,
			Condition: rc.Condition,
			Severity:  severity,
			Message:   rc.Message,
			compiled:  compiled,
		})
		e.logger.Info("loaded watch rule", "name", rc.Name, "severity", severity)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	e.logger.Info("watch rule loading complete",
		"total_configs", len(configs),
		"loaded_rules", len(rules),
	)
	return len(rules)
}

// Rules returns the active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// HandleEvent evaluates every active rule against the event and raises
// an alert for each match. Evaluation errors are logged per rule and do
// not stop the sweep.
func (e *Engine) HandleEvent(ev op.Event) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		matched, err := e.eval.Evaluate(rule.compiled, ev)
		if err != nil {
			e.logger.Error("watch rule evaluation failed",
				"rule_name", rule.Name,
				"error", err,
			)
			continue
		}
		if !matched {
			continue
		}

		o := ev.Operation
		e.logger.Warn("watch rule matched",
			"rule_name", rule.Name,
			"severity", rule.Severity,
			"operation_id", o.ID,
			"command", o.CommandName,
			"event_kind", ev.Kind,
		)

		if e.alerts == nil {
			continue
		}
		message := rule.Message
		if message == "" {
			message = rule.Condition
		}
		e.alerts.Send(alert.Alert{
			Type:        "watch_rule",
			Severity:    rule.Severity,
			Title:       rule.Name,
			Message:     message,
			OperationID: o.ID,
			CommandName: o.CommandName,
			Details: map[string]interface{}{
				"event_kind":  ev.Kind,
				"type":        string(o.Type),
				"status":      string(o.Status),
				"duration_ms": o.DurationMs(),
				"aggregated":  o.AggregatedCount,
				"error":       o.Error,
			},
		})
	}
}
