/*
Package events provides an in-process publish/subscribe broker for
orchestrator events.

The job queue publishes every job transition (waiting, active, completed,
retrying, failed), the health monitor publishes pod health changes, and the
backup workers publish backup outcomes. Subscribers receive them on a
buffered channel:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		if ev.Type == events.EventJobFailed {
			alert(ev.Metadata["queue"], ev.Metadata["job_id"], ev.Message)
		}
	}

The stream is a read-only side channel for monitoring. Delivery is best
effort: a slow subscriber misses events rather than stalling publishers, and
Dropped reports how many deliveries were skipped.
*/
package events
