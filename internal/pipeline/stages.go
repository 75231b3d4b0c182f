package pipeline

import "github.com/cinience/crew-connect/internal/capability"

// Stage is one fixed step of the task pipeline. Tools lists the host
// capabilities offered to the model while it works on the stage.
type Stage struct {
	Name         string            `json:"stage"`
	Role         string            `json:"role"`
	Instructions string            `json:"instructions"`
	Tools        []capability.Name `json:"tools"`
}

var defaultStages = []Stage{
	{
		Name:         "plan",
		Role:         "Project Planner",
		Instructions: "Analyze the request against the current workspace and produce a step-by-step implementation plan. Name the files to change and call out risks.",
		Tools: []capability.Name{
			capability.ProjectAnalysis,
			capability.WorkspaceAnalysis,
			capability.DependencyAnalysis,
			capability.ConfigurationAnalysis,
			capability.ProjectMetrics,
			capability.EnvironmentAnalysis,
			capability.TestDiscovery,
		},
	},
	{
		Name:         "implement",
		Role:         "Software Developer",
		Instructions: "Implement the plan. Produce the concrete code changes and any commands required to apply them.",
		Tools: []capability.Name{
			capability.FileOperations,
			capability.DirectoryNavigation,
			capability.CodeGeneration,
			capability.CodeFormatter,
			capability.PackageManager,
			capability.GitOperations,
			capability.CommandExecution,
			capability.Terminal,
		},
	},
	{
		Name:         "verify",
		Role:         "Quality Assurance Tester",
		Instructions: "Verify the implementation. Write or run tests and report every failure with its likely cause.",
		Tools: []capability.Name{
			capability.TestGenerator,
			capability.TestDiscovery,
			capability.CommandExecution,
			capability.Terminal,
			capability.FileOperations,
			capability.CodeAnalysis,
			capability.ProcessMonitor,
		},
	},
	{
		Name:         "review",
		Role:         "Code Reviewer",
		Instructions: "Review the changes for correctness and maintainability. Summarize what is ready to merge and what needs follow-up.",
		Tools: []capability.Name{
			capability.CodeAnalysis,
			capability.CodeLinter,
			capability.Refactoring,
			capability.DocumentationGen,
			capability.FileOperations,
			capability.DirectoryNavigation,
			capability.GitOperations,
		},
	},
}

// DefaultStages returns the plan, implement, verify, review sequence.
func DefaultStages() []Stage {
	out := make([]Stage, len(defaultStages))
	for i, s := range defaultStages {
		s.Tools = append([]capability.Name(nil), s.Tools...)
		out[i] = s
	}
	return out
}
