// Package wfcore is the worker-side runtime mediating between a remote
// workflow-orchestration service and a user-supplied workflow/activity
// execution environment: it owns the slot-gated activity pipeline, the
// per-run workflow task scheduler, and the activity heartbeat manager, and
// drives them from a poll/execute/report loop.
package wfcore
