package capability

// Name identifies a host-side capability the worker may call.
type Name string

const (
	LLMCompletion Name = "llm_completion"

	FileOperations        Name = "file_operations"
	DirectoryNavigation   Name = "directory_navigation"
	ProjectAnalysis       Name = "project_analysis"
	WorkspaceAnalysis     Name = "workspace_analysis"
	DependencyAnalysis    Name = "dependency_analysis"
	ConfigurationAnalysis Name = "configuration_analysis"
	ProjectMetrics        Name = "project_metrics"
	EnvironmentAnalysis   Name = "environment_analysis"
	TestDiscovery         Name = "test_discovery"
	CommandExecution      Name = "command_execution"
	Terminal              Name = "terminal"
	PackageManager        Name = "package_manager"
	GitOperations         Name = "git_operations"
	ProcessMonitor        Name = "process_monitor"
	CodeAnalysis          Name = "code_analysis"
	CodeGeneration        Name = "code_generation"
	Refactoring           Name = "refactoring"
	CodeLinter            Name = "code_linter"
	DocumentationGen      Name = "documentation_generator"
	CodeFormatter         Name = "code_formatter"
	TestGenerator         Name = "test_generator"
)

// Outbound methods used on the wire.
const (
	MethodLLMRequest  = "llm_request"
	MethodToolRequest = "tool_request"
)

type Descriptor struct {
	Name        Name   `json:"name"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var catalog = []Descriptor{
	{LLMCompletion, MethodLLMRequest, "Generate a completion for a stage prompt"},
	{FileOperations, MethodToolRequest, "Read, write, create and delete files and directories"},
	{DirectoryNavigation, MethodToolRequest, "Navigate directories, list files and explore project structure"},
	{ProjectAnalysis, MethodToolRequest, "Analyze project structure, dependencies and codebase"},
	{WorkspaceAnalysis, MethodToolRequest, "Analyze workspace structure, configuration and project settings"},
	{DependencyAnalysis, MethodToolRequest, "Analyze project dependencies and their relationships"},
	{ConfigurationAnalysis, MethodToolRequest, "Inspect build and tool configuration files"},
	{ProjectMetrics, MethodToolRequest, "Collect size and complexity metrics for the project"},
	{EnvironmentAnalysis, MethodToolRequest, "Describe runtimes, SDKs and environment variables"},
	{TestDiscovery, MethodToolRequest, "Locate existing tests and test frameworks"},
	{CommandExecution, MethodToolRequest, "Execute system commands and shell scripts"},
	{Terminal, MethodToolRequest, "Interact with the editor's integrated terminal"},
	{PackageManager, MethodToolRequest, "Install, update and remove packages"},
	{GitOperations, MethodToolRequest, "Run version control operations"},
	{ProcessMonitor, MethodToolRequest, "Watch running processes and their output"},
	{CodeAnalysis, MethodToolRequest, "Analyze code structure, complexity and quality"},
	{CodeGeneration, MethodToolRequest, "Generate code from specifications and templates"},
	{Refactoring, MethodToolRequest, "Apply automated refactorings"},
	{CodeLinter, MethodToolRequest, "Run linters and report findings"},
	{DocumentationGen, MethodToolRequest, "Generate documentation for code"},
	{CodeFormatter, MethodToolRequest, "Format source files"},
	{TestGenerator, MethodToolRequest, "Generate tests for code"},
}

var byName = func() map[Name]Descriptor {
	m := make(map[Name]Descriptor, len(catalog))
	for _, d := range catalog {
		m[d.Name] = d
	}
	return m
}()

func Lookup(name Name) (Descriptor, bool) {
	d, ok := byName[name]
	return d, ok
}

// Catalog returns every known capability in declaration order.
func Catalog() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}
