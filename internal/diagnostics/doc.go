// Package diagnostics watches the process hosting the orchestration
// engine: resource monitoring, startup preflight checks, and crash dump
// capture for contained panics.
//
//   - ResourceMonitor periodically samples file descriptors, goroutines
//     and memory, and flags concerning trends such as FD leaks.
//
//   - RunPreflight verifies at startup that the host can sustain the
//     configured worker fleet (memory headroom, workspace disk space,
//     container runtime availability).
//
//   - CrashDumpWriter persists panic dumps with resource state and the
//     workflow context attached, for post-mortem debugging.
package diagnostics
