// Package sandbox provides secure code execution capabilities.
//
// Every script is statically checked with tree-sitter, then run in a fresh
// worker: the current binary re-executed in worker mode (see MaybeRunWorker),
// either as a child process or inside a docker/podman container. The worker
// applies kernel resource limits before any untrusted code runs. Python is
// executed by the system interpreter behind a restricted bootstrap and
// JavaScript by an embedded goja runtime. The parent enforces the wall-clock
// timeout and memory ceiling and kills the worker's process group when either
// is breached.
package sandbox
