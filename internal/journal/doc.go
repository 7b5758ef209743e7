// Package journal persists a record of every server process this module
// spawns into a small SQLite database, so that a later run can find and
// reap processes whose owning program died without stopping them. An
// atexit-style hook alone loses processes on SIGKILL; the journal closes
// that gap.
package journal
