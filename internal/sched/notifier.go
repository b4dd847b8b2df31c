package sched

// Notifier is the dedicated goroutine that invokes completion callbacks off
// the submission/completion hot paths (spec §4.4.5): client callbacks may
// run arbitrarily long and must not stall a shard worker or the completion
// goroutine that feeds it.
type Notifier struct {
	queue  *RequestQueue
	roster Roster
	sched  *Scheduler
}

func newNotifier(sched *Scheduler, roster Roster) *Notifier {
	return &Notifier{
		queue:  NewRequestQueue(),
		roster: roster,
		sched:  sched,
	}
}

// enqueue hands a finished, callback-bearing request to the notifier.
func (n *Notifier) enqueue(req *Request) {
	n.queue.Enqueue(req)
}

// run drains the queue until it is stopped and empty.
func (n *Notifier) run() {
	for {
		req := n.queue.Dequeue()
		if req == nil {
			return
		}
		n.roster.Notify(EventRequestFinished, n.sched, req, nil)
		req.NotifyFinished()
	}
}

func (n *Notifier) stop() {
	n.queue.Stop()
}
