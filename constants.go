package ploop

import "github.com/ploop/ploop/internal/constants"

// Re-exported sizing defaults for callers constructing EngineParams.
const (
	DefaultClusterShift          = constants.DefaultClusterShift
	MinClusterShift              = constants.MinClusterShift
	MaxClusterShift              = constants.MaxClusterShift
	SectorSize                   = constants.SectorSize
	DefaultDirtyPageBudget       = constants.DefaultDirtyPageBudget
	DefaultBackpressureWatermark = constants.DefaultBackpressureWatermark
	DefaultInFlightPerDelta      = constants.DefaultInFlightPerDelta
)
