// Package ensemble implements the data-movement core of an agent-based
// simulation runtime: structure-of-arrays agent and message buffers that are
// compacted, extended and spatially indexed in parallel, one stream per
// concurrently running simulation.
//
// # Architecture Overview
//
// The engine consists of several key components:
//
//   - Device: accounted memory and in-order work streams, one per simulation
//   - Kernels: blocked parallel scan, radix sort, histogram and scatter
//   - Runtime: the per-stream Engine (scatter, scan flags, arena, reductions)
//     and the Registry that hands streams to sessions
//   - Messaging: spatial partition boundary matrices and array messages
//
// # Basic Usage
//
//	dev := device.New()
//	reg, err := runtime.NewRegistry(dev)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sess := reg.Attach()
//	defer sess.Close()
//
//	eng, err := sess.Engine(0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	flags, err := eng.ScanFlags(runtime.AgentDeath, n)
//	// mark dead agents in flags
//	survivors, err := eng.Scatter(runtime.AgentDeath, schema, front, back, n, runtime.WithInvert())
//
// # Package Structure
//
//   - core: variable schemas, SoA buffer sets, packing layouts and views
//   - device: memory accounting and streams
//   - kernels: parallel primitives
//   - runtime: engines, arenas, scatter, registry, options and metrics
//   - messaging: spatial and array message indexes
//   - model: agent and message descriptions
//   - logging: structured logging
//   - cmd: command-line tools (ensemblerun, ensembleperf)
package ensemble
