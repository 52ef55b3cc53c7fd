package request

// Zombify detaches r's done-queue linkage (the application has already
// observed/completed it) while leaving its primary work/partner linkage
// intact so the wire protocol can still finish tracking it (spec.md
// §4.3). Callers are responsible for enforcing the zombie_max cap before
// calling this.
func Zombify(doneQ *Queue, h Handle) {
	r := doneQ.pool.Get(h)
	if r == nil {
		return
	}
	doneQ.Remove(h)
	r.State |= Zombie
}

// Complete marks r Done, fills in its Status, and links it onto doneQ.
// It is the single place request completion happens so that the "done"
// observability contract (state bit + queue membership) never drifts
// apart.
func Complete(doneQ *Queue, h Handle, status Status) {
	r := doneQ.pool.Get(h)
	if r == nil {
		return
	}
	r.Status = status
	r.State |= Done
	if !r.State.Has(Zombie) && !doneQ.InQueue(h) {
		doneQ.PushBack(h)
	}
}
