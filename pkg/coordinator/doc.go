// Package coordinator is the submission front door: it validates
// workloads, fans their groups out to the placement engine and the
// deployment controller, and enforces task lifecycle ordering within
// each allocation. SubmitAfter chains workloads into stages, gating a
// dependent workload on the successful completion of its setup.
package coordinator
