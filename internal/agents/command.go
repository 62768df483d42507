package agents

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/manicinc/synthstack-sub004/internal/domain"
)

// CommandAgent runs an external executable and reads its verdict from
// stdout. The program receives the run context through ORCH_* env vars
// and must print a JSON result object as its last output line.
type CommandAgent struct {
	id      string
	purpose string
	program string
	args    []string
	dir     string
}

// NewCommandAgent creates an agent that shells out to program.
func NewCommandAgent(id, purpose, program string, args ...string) *CommandAgent {
	return &CommandAgent{id: id, purpose: purpose, program: program, args: args}
}

// SetDir sets the working directory for the command.
func (c *CommandAgent) SetDir(dir string) { c.dir = dir }

// ID returns the agent identifier.
func (c *CommandAgent) ID() string { return c.id }

// Describe returns the configured purpose line.
func (c *CommandAgent) Describe() string { return c.purpose }

type commandResult struct {
	Phase              string  `json:"phase,omitempty"`
	ShouldAct          bool    `json:"should_act"`
	DoNothingReason    string  `json:"do_nothing_reason,omitempty"`
	ConfidenceScore    float64 `json:"confidence_score,omitempty"`
	ActionsProposed    int     `json:"actions_proposed,omitempty"`
	ActionsExecuted    int     `json:"actions_executed,omitempty"`
	SuggestionsCreated int     `json:"suggestions_created,omitempty"`
	TasksCreated       int     `json:"tasks_created,omitempty"`
	TokensUsed         int     `json:"tokens_used,omitempty"`
}

// Execute runs the program once and parses its result.
func (c *CommandAgent) Execute(ctx context.Context, in Input) (*domain.AgentResult, error) {
	cmd := exec.CommandContext(ctx, c.program, c.args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(),
		"ORCH_AGENT_ID="+c.id,
		"ORCH_PROJECT_ID="+in.Project.ID,
		"ORCH_REPO="+in.Project.Repo,
		"ORCH_TRIGGER="+string(in.Trigger),
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", c.id, err)
	}
	return parseCommandOutput(c.id, output)
}

// parseCommandOutput extracts the JSON result from the last non-empty
// line of the program's stdout. Earlier lines are treated as log noise.
func parseCommandOutput(id string, output []byte) (*domain.AgentResult, error) {
	var resultLine string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			resultLine = line
		}
	}
	if resultLine == "" {
		return nil, fmt.Errorf("agent %s: no output", id)
	}

	var res commandResult
	if err := json.Unmarshal([]byte(resultLine), &res); err != nil {
		return nil, fmt.Errorf("agent %s: parse result %q: %w", id, resultLine, err)
	}

	return &domain.AgentResult{
		Phase:              res.Phase,
		ShouldAct:          res.ShouldAct,
		DoNothingReason:    res.DoNothingReason,
		ConfidenceScore:    res.ConfidenceScore,
		ActionsProposed:    res.ActionsProposed,
		ActionsExecuted:    res.ActionsExecuted,
		SuggestionsCreated: res.SuggestionsCreated,
		TasksCreated:       res.TasksCreated,
		TokensUsed:         res.TokensUsed,
	}, nil
}
