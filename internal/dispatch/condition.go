package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/soochol/nodeflow/internal/flow"
)

// triggerAction passes a trigger node's configuration through as its output.
// Runs started by an external event never reach it: their payload is seeded
// directly as the trigger's output.
type triggerAction struct {
	id  string
	now func() time.Time
}

func (a *triggerAction) ID() string { return a.id }

func (a *triggerAction) Run(_ context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	out := map[string]any{"triggeredAt": a.now().UTC().Format(time.RFC3339)}
	switch c := cfg.(type) {
	case *flow.ScheduleTriggerConfig:
		out["date"], out["time"], out["loop"] = c.Date, c.Time, c.Loop
	case *flow.ChatTriggerConfig:
		out["guildId"], out["channelId"] = c.GuildID, c.ChannelID
	}
	return out, nil
}

// conditionAction evaluates an expr-lang expression. Placeholders inside the
// expression have already been substituted by the engine, so
// "{{http.status}} == 200" arrives as "200 == 200".
type conditionAction struct{}

func (a *conditionAction) ID() string { return flow.ActionCondition }

func (a *conditionAction) Run(_ context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.ConditionConfig)
	ok, err := evaluateCondition(c.Expression, c.Variables)
	if err != nil {
		return nil, err
	}
	branch := flow.BranchFalse
	if ok {
		branch = flow.BranchTrue
	}
	return map[string]any{
		"result":      ok,
		"branchTaken": branch,
		"expression":  c.Expression,
	}, nil
}

func evaluateCondition(expression string, vars map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, fmt.Errorf("condition expression is empty")
	}
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}
	return isTruthy(result), nil
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
