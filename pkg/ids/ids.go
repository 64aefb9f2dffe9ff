// Package ids hands out snowflake identifiers for job executions.
package ids

import (
	"sync"

	"github.com/yitter/idgenerator-go/idgen"
)

// baseTime anchors the snowflake epoch (2025-08-23T08:32:46Z).
const baseTime = 1755937966000

const (
	WorkerIDBits = 6
	MaxWorkerID  = 1<<WorkerIDBits - 1
)

var once sync.Once

// Setup configures the process-wide generator. Only the first call has an
// effect; later calls are ignored so tests and the entry point can both call it.
func Setup(workerID uint16) {
	once.Do(func() {
		options := idgen.NewIdGeneratorOptions(workerID)
		options.BaseTime = baseTime
		options.WorkerIdBitLength = WorkerIDBits
		idgen.SetIdGenerator(options)
	})
}

// Next returns a new unique id, configuring a default generator on first use.
func Next() uint64 {
	Setup(1)
	return uint64(idgen.NextId())
}
