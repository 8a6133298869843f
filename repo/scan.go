package repo

import (
	"sort"

	"github.com/rcowham/hbackup/store"
)

// ScanResult summarizes one Scan pass.
type ScanResult struct {
	Referenced int
	Present    int
	Missing    int
	Inconsistent int
	Removed    int
}

// Scan implements spec §4.D's Scan: gather every fingerprint
// referenced by any client register, gather every fingerprint
// surficially present in the content store, then reconcile the two
// sets against the repository's missing list. A present-but-
// unreferenced object is removed only when removeObsolete is true.
func (c *Coordinator) Scan(removeObsolete bool) (ScanResult, error) {
	referenced := map[string]int64{}
	for name, reg := range c.registers {
		sums, err := reg.Checksums()
		if err != nil {
			return ScanResult{}, err
		}
		for fp, size := range sums {
			if existing, ok := referenced[fp]; !ok || size > existing {
				referenced[fp] = size
			}
		}
		c.logf("repo: scan: %s referenced %d fingerprints", name, len(sums))
	}

	present, err := c.store.Crawl(false, false)
	if err != nil {
		return ScanResult{}, err
	}
	presentSizes := make(map[string]int64, len(present))
	for _, r := range present {
		presentSizes[string(r.Fingerprint)] = r.Size
	}

	var res ScanResult
	res.Referenced = len(referenced)
	res.Present = len(present)

	for fp, expectedSize := range referenced {
		size, ok := presentSizes[fp]
		switch {
		case !ok:
			c.missing.MarkMissing(fp, expectedSize)
			res.Missing++
		case size != expectedSize:
			c.missing.MarkInconsistent(fp, expectedSize)
			res.Inconsistent++
		default:
			c.missing.Recover(fp)
		}
	}

	if removeObsolete {
		obsolete := make([]store.Fingerprint, 0, len(presentSizes))
		for fp := range presentSizes {
			if _, ok := referenced[fp]; ok {
				continue
			}
			obsolete = append(obsolete, store.Fingerprint(fp))
		}
		// Deterministic removal order makes the scan log reproducible
		// between runs over an unchanged store.
		sort.Slice(obsolete, func(i, j int) bool { return obsolete[i].Compare(obsolete[j]) < 0 })
		for _, fp := range obsolete {
			if err := c.store.Remove(fp); err != nil {
				return res, err
			}
			res.Removed++
		}
	}

	return res, c.touchMarker(lastScanFile)
}
