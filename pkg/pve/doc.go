// Package pve drives Proxmox VE nodes: it builds pct and vzdump command lines,
// runs them through an Executor (SSH in production, FakeExecutor in tests) and
// parses their output.
package pve
