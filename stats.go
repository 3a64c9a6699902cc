package nvcfg

import (
	"fmt"
	"sync/atomic"
)

// Stats are cumulative worker counters.
type Stats struct {
	Hydrations     uint64
	RecordsScanned uint64
	RecordsMatched uint64
	RecordsUnknown uint64
	CellsMissing   uint64
	DecodeFailures uint64
	Upgrades       uint64

	Flushes        uint64
	FlushFailures  uint64
	StageFailures  uint64
	RecordsWritten uint64
	BytesWritten   uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("hydrations = %d, scanned = %d, matched = %d, unknown = %d, missing = %d, decode_failures = %d, upgrades = %d, flushes = %d, flush_failures = %d, stage_failures = %d, records_written = %d, bytes_written = %d",
		s.Hydrations, s.RecordsScanned, s.RecordsMatched, s.RecordsUnknown, s.CellsMissing, s.DecodeFailures, s.Upgrades,
		s.Flushes, s.FlushFailures, s.StageFailures, s.RecordsWritten, s.BytesWritten)
}

type hydrationStats struct {
	scanned  int
	matched  int
	unknown  int
	missing  int
	failed   int
	upgraded int
}

type workerStats struct {
	hydrations     atomic.Uint64
	recordsScanned atomic.Uint64
	recordsMatched atomic.Uint64
	recordsUnknown atomic.Uint64
	cellsMissing   atomic.Uint64
	decodeFailures atomic.Uint64
	upgrades       atomic.Uint64

	flushes        atomic.Uint64
	flushFailures  atomic.Uint64
	stageFailures  atomic.Uint64
	recordsWritten atomic.Uint64
	bytesWritten   atomic.Uint64
}

func (ws *workerStats) addHydration(hs hydrationStats) {
	ws.hydrations.Add(1)
	ws.recordsScanned.Add(uint64(hs.scanned))
	ws.recordsMatched.Add(uint64(hs.matched))
	ws.recordsUnknown.Add(uint64(hs.unknown))
	ws.cellsMissing.Add(uint64(hs.missing))
	ws.decodeFailures.Add(uint64(hs.failed))
	ws.upgrades.Add(uint64(hs.upgraded))
}

func (w *Worker) Stats() Stats {
	ws := &w.stats
	return Stats{
		Hydrations:     ws.hydrations.Load(),
		RecordsScanned: ws.recordsScanned.Load(),
		RecordsMatched: ws.recordsMatched.Load(),
		RecordsUnknown: ws.recordsUnknown.Load(),
		CellsMissing:   ws.cellsMissing.Load(),
		DecodeFailures: ws.decodeFailures.Load(),
		Upgrades:       ws.upgrades.Load(),
		Flushes:        ws.flushes.Load(),
		FlushFailures:  ws.flushFailures.Load(),
		StageFailures:  ws.stageFailures.Load(),
		RecordsWritten: ws.recordsWritten.Load(),
		BytesWritten:   ws.bytesWritten.Load(),
	}
}
