// Package cli checks that the executables the console depends on are
// installed.
package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// versionTimeout bounds each version probe.
const versionTimeout = 2 * time.Second

// Prerequisite represents a required executable
type Prerequisite struct {
	Name        string   // Command name or path (e.g., "plural-kernel")
	Required    bool     // Whether the console cannot run without it
	Description string   // Human-readable description
	InstallURL  string   // Installation instructions
	VersionArgs []string // Arguments printing a version; nil tries common flags
}

// DefaultPrerequisites returns the executables the console needs when it
// launches kernelCommand.
func DefaultPrerequisites(kernelCommand string) []Prerequisite {
	if kernelCommand == "" {
		kernelCommand = "plural-kernel"
	}
	return []Prerequisite{
		{
			Name:        kernelCommand,
			Required:    true,
			Description: "Kernel executable",
			InstallURL:  "go install github.com/zhubert/plural-kernel/cmd/plural-kernel@latest",
			VersionArgs: []string{"version"},
		},
		{
			Name:        "pgrep",
			Required:    false, // Only needed to clean up orphaned kernels
			Description: "Process lookup (optional, for cleanup)",
			InstallURL:  "https://gitlab.com/procps-ng/procps",
			VersionArgs: []string{"-V"},
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that an executable is available
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = getVersion(path, prereq.VersionArgs)
	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required executables:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion returns the first line a version probe prints
func getVersion(path string, args []string) string {
	candidates := [][]string{{"--version"}, {"-v"}, {"version"}}
	if args != nil {
		candidates = [][]string{args}
	}

	for _, candidate := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
		output, err := exec.CommandContext(ctx, path, candidate...).Output()
		cancel()
		if err != nil {
			continue
		}
		first, _, _ := strings.Cut(string(output), "\n")
		version := strings.TrimSpace(first)
		if version == "" {
			continue
		}
		// Limit length to avoid overly long version strings
		if len(version) > 100 {
			version = version[:100] + "..."
		}
		return version
	}

	return ""
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		if r.Found && r.Version != "" {
			fmt.Fprintf(&sb, " (%s)", r.Version)
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
