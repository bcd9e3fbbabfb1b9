package api

import (
	"energyagent/domain/run"
	"energyagent/internal/pipeline"
)

// eventRecorder adapts the tracker and hub to a pipeline observer: each
// event is sequenced into the run's log, then broadcast to live streams.
func eventRecorder(tracker *Tracker, hub *SSEHub) pipeline.Observer {
	return func(ev run.Event) {
		se := tracker.Record(ev)
		if se.Seq == 0 {
			return
		}
		hub.Broadcast(se)
	}
}
