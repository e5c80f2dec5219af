package catalog

// Observe applies one fresh digest to the store. It returns the appended record and
// true when the identifier is new or its digest differs from the last stored record.
func (s Store) Observe(id Identifier, digest, date string) (FingerprintRecord, bool) {
	entry := s[id]
	if last, ok := entry.Last(); ok && last.Hash == digest {
		return FingerprintRecord{}, false
	}
	rec := FingerprintRecord{Date: date, Hash: digest}
	s[id] = append(entry, rec)
	return rec, true
}

// Detection is the outcome of running the change detector over one cycle's fingerprints.
type Detection struct {
	Changed      ChangedSet
	Observations []Observation
	Unknown      int
}

// Detect compares each known fingerprint to the last stored record and mutates the
// store in fingerprint order. It must only be called from the single controlling flow.
func Detect(store Store, fingerprints []Fingerprint, date string) Detection {
	det := Detection{Changed: make(ChangedSet)}
	for _, fp := range fingerprints {
		if !fp.OK {
			det.Unknown++
			continue
		}
		_, existed := store[fp.ID]
		rec, changed := store.Observe(fp.ID, fp.Digest, date)
		if !changed {
			continue
		}
		det.Changed.Add(fp.ID)
		det.Observations = append(det.Observations, Observation{
			ID:     fp.ID,
			Record: rec,
			New:    !existed,
		})
	}
	return det
}
