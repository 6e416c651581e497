package relaywan

import "context"

// NumOutputs is the number of switched power outputs on the relay board.
const NumOutputs = 2

// OutputState holds the desired level of every switched output.
// Index 0 is the schedule-driven channel; index 1 is wired and reported
// but not yet driven by the evaluator.
type OutputState [NumOutputs]bool

// OutputDriver applies a desired output state to the physical relay board.
// Implementations are expected to swallow transient bus errors and retry on
// the next Apply; a failed write must never stop the engine.
type OutputDriver interface {
	Apply(ctx context.Context, outputs OutputState) error
}
