// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package circuit implements an event-driven, zero-delay digital circuit
// simulator for small automated control systems.
//
// A caller assembles a circuit out of interconnected blocks (combinational
// [CBlock], sequential [SBlock], and the [FSM] specialization of SBlock),
// then runs a single long-lived simulation that propagates combinational
// output changes to a stable fixed point, dispatches typed events between
// stateful blocks, drives timed state transitions, hosts cooperatively
// scheduled supporting tasks, and preserves selected per-block state across
// restarts.
//
// The package is built around a process-wide current [Circuit] (see
// [GetCircuit] and [ResetCircuit]): blocks register themselves on
// construction, [Circuit.Finalize] freezes the graph and resolves
// name-based producer references (including the `_not_X` inversion
// shortcut), and [Circuit.Run] drives the simulation to completion or
// cancellation.
package circuit
