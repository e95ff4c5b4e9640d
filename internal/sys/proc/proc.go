// Package proc provides utilities for process inspection on Linux systems,
// parsing the /proc filesystem.
package proc

import (
	"fmt"
	"os"
	"sort"
	"strconv"
)

// ListThreads returns the thread ids of all tasks of the given process,
// sorted in ascending order. Threads that exit between the directory read
// and any later use are the caller's problem; attaching to a dead tid just
// fails.
func ListThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/%d/task: %w", pid, err)
	}

	var tids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if tid > 0 {
			tids = append(tids, tid)
		}
	}
	sort.Ints(tids)

	return tids, nil
}

// ListPids returns a list of all running process IDs from /proc.
// Pids are sorted in ascending order.
func ListPids() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // Not a numeric directory.
		}

		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)

	return pids, nil
}

// GetBinaryPath returns the path to the executable for the given PID.
func GetBinaryPath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}
