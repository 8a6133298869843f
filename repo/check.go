package repo

// CheckResult summarizes one Check pass.
type CheckResult struct {
	Healthy int
}

// Check implements spec §4.D's Check: a thorough crawl of the content
// store, re-hashing every body; corrupt objects are marked (store.Check's
// repair mode prefers marking over removing, per spec §4.A). Whether a
// healthy object's fingerprint is still referenced by any register is
// Scan's concern, not Check's.
func (c *Coordinator) Check(repair bool) (CheckResult, error) {
	ok, err := c.store.Crawl(true, repair)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Healthy: len(ok)}, c.touchMarker(lastCheckFile)
}
