// Package proc manages external server process lifecycle.
//
// It defines Handle for owned processes (spawn, single-Wait, signal-based
// stop with SIGKILL escalation) and gopsutil-backed discovery helpers for
// processes this program did not spawn: FindListener locates a process by
// executable name and listening port, TerminateTree stops a process and its
// direct children.
package proc
