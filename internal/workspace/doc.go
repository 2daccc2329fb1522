// Package workspace manages the staging directory tree for one orchestration
// run: a base directory with fixed src/, var/ and result/ subdirectories.
//
// src/ holds one directory per checked-out workflow, var/ holds shared working
// data (input files, run logs, the run journal) and result/ holds one staging
// directory per workflow for outputs awaiting delivery.
//
// Ownership and permission changes are expressed as an AccessPolicy value
// applied by a single reusable operation, so a secondary execution user can
// read inputs and write to var/ and result/.
package workspace
