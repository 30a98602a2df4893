package orchestrator

// Fixed mapping from agent type to the task types it drains. Every agent
// additionally accepts the universal directive types, so a human (or
// another agent) can target any runner by setting assigned_to.
var agentTaskTypes = map[string][]string{
	"pm":         {"triage_issue", "plan_feature", "product_review", "auto_feature_creation"},
	"architect":  {"write_spec", "design_review"},
	"builder":    {"implement_feature", "implement_fix", "implement_spec", "refactor"},
	"reviewer":   {"review_mr"},
	"tester":     {"write_tests", "run_tests"},
	"security":   {"security_audit", "security_review"},
	"devops":     {"fix_pipeline", "deploy", "manage_infra"},
	"bug_finder": {"find_bugs", "code_scan"},
}

// UniversalTaskTypes are accepted by every agent.
var UniversalTaskTypes = []string{"directive", "human_directive"}

// TaskTypesForAgent returns the task type catalogue for an agent type,
// universal types included. Unknown agents accept only universal types.
func TaskTypesForAgent(agentID string) []string {
	types := append([]string(nil), agentTaskTypes[agentID]...)
	return append(types, UniversalTaskTypes...)
}

// KnownAgentTypes lists the agent types with a catalogue entry.
func KnownAgentTypes() []string {
	out := make([]string, 0, len(agentTaskTypes))
	for id := range agentTaskTypes {
		out = append(out, id)
	}
	return out
}
