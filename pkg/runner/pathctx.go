package runner

import (
	"path"
	"path/filepath"
	"strings"
)

// Placeholder stands for the agent's download root in task paths and commands.
const Placeholder = "{{BASE_PATH}}"

// PathContext holds every substitution derived from a task's output directory
// so that paths and the command line are rewritten the same way.
type PathContext struct {
	Placeholder  string
	ResolvedRoot string

	OriginalOutputDir string
	ResolvedOutputDir string

	// The data directory is the "data" sibling of the output directory.
	OriginalDataDir string
	ResolvedDataDir string
}

// NewPathContext resolves outputDir against root. An empty outputDir leaves
// the directory fields empty; Resolve and Rewrite still substitute the root.
func NewPathContext(root, outputDir string) PathContext {
	pc := PathContext{
		Placeholder:  Placeholder,
		ResolvedRoot: root,
	}
	if outputDir == "" {
		return pc
	}

	pc.OriginalOutputDir = outputDir
	pc.ResolvedOutputDir = pc.Resolve(outputDir)
	pc.OriginalDataDir = path.Join(path.Dir(path.Clean(outputDir)), "data")
	pc.ResolvedDataDir = filepath.Join(filepath.Dir(pc.ResolvedOutputDir), "data")
	return pc
}

// Resolve replaces the placeholder in p with the download root and cleans the
// result. The replacement is literal, so resolving twice changes nothing.
func (pc PathContext) Resolve(p string) string {
	return filepath.Clean(filepath.FromSlash(strings.ReplaceAll(p, pc.Placeholder, pc.ResolvedRoot)))
}

// Rewrite substitutes the original output and data directories in a command
// line with their resolved forms, then any remaining placeholder with the root.
func (pc PathContext) Rewrite(commandLine string) string {
	replacements := [][2]string{
		{pc.OriginalOutputDir, pc.ResolvedOutputDir},
		{pc.OriginalDataDir, pc.ResolvedDataDir},
		{pc.Placeholder, pc.ResolvedRoot},
	}
	for _, r := range replacements {
		if r[0] == "" {
			continue
		}
		commandLine = strings.ReplaceAll(commandLine, r[0], r[1])
	}
	return commandLine
}
