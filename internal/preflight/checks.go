// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Minimum resource limits for one supervised child. Each child holds two
// pipes plus the output file and the metrics listener.
const (
	RequiredFileDescriptors = 64
	RequiredProcesses       = 2
)

const rlimInfinity = ^uint64(0)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks for a command run from dir.
// An empty dir means the current directory.
func RunAll(command, dir string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkCommand(command, dir))
	if dir != "" {
		add(checkWorkingDir(dir))
	}
	add(checkFileDescriptors())
	add(checkProcessLimit())

	return result
}

// checkCommand verifies the program resolves to an executable file.
// Names containing a slash are taken as paths, relative to dir.
func checkCommand(command, dir string) Check {
	if command == "" {
		return Check{Name: "command", Message: "no command given"}
	}

	if !strings.Contains(command, "/") {
		path, err := exec.LookPath(command)
		if err != nil {
			return Check{Name: "command", Message: fmt.Sprintf("%s not found in PATH: %v", command, err)}
		}
		return Check{Name: "command", Passed: true, Message: fmt.Sprintf("%s resolves to %s", command, path)}
	}

	path := command
	if dir != "" && !strings.HasPrefix(path, "/") {
		path = dir + "/" + path
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return Check{Name: "command", Message: fmt.Sprintf("%s not found: %v", path, err)}
	case info.IsDir():
		return Check{Name: "command", Message: fmt.Sprintf("%s is a directory", path)}
	case info.Mode().Perm()&0o111 == 0:
		return Check{Name: "command", Message: fmt.Sprintf("%s is not executable", path)}
	}
	return Check{Name: "command", Passed: true, Message: fmt.Sprintf("found at %s", path)}
}

// checkWorkingDir verifies the working directory exists.
func checkWorkingDir(dir string) Check {
	info, err := os.Stat(dir)
	if err != nil {
		return Check{Name: "working_dir", Message: fmt.Sprintf("%s: %v", dir, err)}
	}
	if !info.IsDir() {
		return Check{Name: "working_dir", Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	return Check{Name: "working_dir", Passed: true, Message: dir}
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	return limitCheck("file_descriptors", limit.Cur, RequiredFileDescriptors)
}

// checkProcessLimit verifies the user may fork another process.
func checkProcessLimit() Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	return limitCheck("process_limit", limit.Cur, RequiredProcesses)
}

func limitCheck(name string, cur uint64, required int) Check {
	if cur == rlimInfinity {
		return Check{Name: name, Passed: true, Message: "unlimited"}
	}
	actual := int(min(cur, uint64(1<<31-1)))
	return Check{
		Name:     name,
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "command":
		return "check the program name, PATH, or the file's execute bit"
	case "working_dir":
		return "create the directory or fix -dir"
	case "file_descriptors":
		return "ulimit -n 1024 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	default:
		return "see documentation"
	}
}
