// Package optim provides stateful iterative solvers for smooth and
// composite (smooth plus proximable) objectives.  Solver state is an
// explicit value that is passed into and returned from every step, so
// callers can warm-start, checkpoint, and replay optimizations.
package optim
