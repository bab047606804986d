// Package events tracks per-upload processing progress and fans it out to
// subscribers over a pubsub channel.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/moby/pubsub"
)

// Stage is the coarse phase of an upload's lifecycle as shown to clients.
type Stage string

const (
	StageUploaded             Stage = "UPLOADED"
	StageParsing              Stage = "PARSING"
	StageValidationInProgress Stage = "VALIDATION_IN_PROGRESS"
	StageValidationCompleted  Stage = "VALIDATION_COMPLETED"
	StageDBSaving             Stage = "DB_SAVING"
	StageLDAPSaving           Stage = "LDAP_SAVING"
	StageCompleted            Stage = "COMPLETED"
	StageFailed               Stage = "FAILED"
)

// CertEvent is one per-certificate progress row, kept in a bounded ring.
type CertEvent struct {
	Fingerprint      string    `json:"fingerprint"`
	CertType         string    `json:"certType"`
	CountryCode      string    `json:"countryCode"`
	SubjectCN        string    `json:"subjectCn"`
	ValidationStatus string    `json:"validationStatus"`
	Message          string    `json:"message,omitempty"`
	At               time.Time `json:"at"`
}

// Progress is a point-in-time snapshot of one upload. Snapshots are copies;
// mutating one never races the tracker.
type Progress struct {
	UploadID         string         `json:"uploadId"`
	Stage            Stage          `json:"stage"`
	TotalEntries     int            `json:"totalEntries"`
	ProcessedEntries int            `json:"processedEntries"`
	CountsByType     map[string]int `json:"countsByType"`
	CountsByStatus   map[string]int `json:"countsByStatus"`
	SigAlgHistogram  map[string]int `json:"sigAlgHistogram"`
	KeySizeHistogram map[string]int `json:"keySizeHistogram"`
	ComplianceCounts map[string]int `json:"complianceCounts"`
	DuplicateCount   int            `json:"duplicateCount"`
	Recent           []CertEvent    `json:"recent"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

const (
	recentRingSize  = 50
	subscribeBuffer = 16
	maxRetained     = 64 // finished trackers kept for late Snapshot queries
)

type tracker struct {
	mu     sync.Mutex
	p      Progress
	recent []CertEvent // ring, newest last
	done   bool
}

// Manager holds one tracker per active upload and a publisher for fan-out.
type Manager struct {
	mu      sync.Mutex
	uploads map[string]*tracker
	pub     *pubsub.Publisher
}

// NewManager returns an empty manager. The publisher drops to the newest
// message when a subscriber lags: progress is a snapshot stream, a missed
// intermediate state is never a correctness problem.
func NewManager() *Manager {
	return &Manager{
		uploads: map[string]*tracker{},
		pub:     pubsub.NewPublisher(100*time.Millisecond, 1),
	}
}

// Subscribe returns a channel of Progress snapshots and a cancel func. The
// current snapshot of every tracked upload is delivered first, so a client
// attaching mid-upload starts from live state instead of waiting for the
// next change. A subscriber lagging past the buffer loses the oldest
// buffered snapshot, never the newest.
func (m *Manager) Subscribe() (chan interface{}, func()) {
	src := m.pub.Subscribe()
	out := make(chan interface{}, subscribeBuffer)

	go func() {
		defer close(out)
		for _, snap := range m.activeSnapshots() {
			pushSnapshot(out, snap)
		}
		for v := range src {
			pushSnapshot(out, v)
		}
	}()
	return out, func() { m.pub.Evict(src) }
}

// pushSnapshot enqueues without blocking, evicting the oldest buffered
// element until the send lands.
func pushSnapshot(ch chan interface{}, v interface{}) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// activeSnapshots returns the current snapshot of every tracked upload in
// upload-id order.
func (m *Manager) activeSnapshots() []Progress {
	m.mu.Lock()
	ids := make([]string, 0, len(m.uploads))
	for id := range m.uploads {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]Progress, 0, len(ids))
	for _, id := range ids {
		if snap := m.Snapshot(id); snap.Stage != "" {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Manager) tracker(uploadID string) *tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.uploads[uploadID]
	if !ok {
		t = &tracker{p: Progress{
			UploadID:         uploadID,
			Stage:            StageUploaded,
			CountsByType:     map[string]int{},
			CountsByStatus:   map[string]int{},
			SigAlgHistogram:  map[string]int{},
			KeySizeHistogram: map[string]int{},
			ComplianceCounts: map[string]int{},
		}}
		m.uploads[uploadID] = t
	}
	return t
}

// SetStage transitions the upload's stage.
func (m *Manager) SetStage(uploadID string, stage Stage) {
	t := m.tracker(uploadID)
	t.mu.Lock()
	t.p.Stage = stage
	t.p.UpdatedAt = time.Now()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	m.pub.Publish(snap)
}

// SetTotal records the number of entries the parser found.
func (m *Manager) SetTotal(uploadID string, total int) {
	t := m.tracker(uploadID)
	t.mu.Lock()
	t.p.TotalEntries = total
	t.p.UpdatedAt = time.Now()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	m.pub.Publish(snap)
}

// Fail records the upload-level error and moves to FAILED.
func (m *Manager) Fail(uploadID, msg string) {
	t := m.tracker(uploadID)
	t.mu.Lock()
	t.p.Stage = StageFailed
	t.p.ErrorMessage = msg
	t.p.UpdatedAt = time.Now()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	m.pub.Publish(snap)
}

// RecordCert accounts one processed certificate: counters, histograms and
// the recent ring. processed_entries is monotonic within an upload.
func (m *Manager) RecordCert(uploadID string, ev CertEvent, sigAlg string, keyBits int, compliance string, duplicate bool) {
	t := m.tracker(uploadID)
	t.mu.Lock()
	t.p.ProcessedEntries++
	if duplicate {
		t.p.DuplicateCount++
	}
	if ev.CertType != "" {
		t.p.CountsByType[ev.CertType]++
	}
	if ev.ValidationStatus != "" {
		t.p.CountsByStatus[ev.ValidationStatus]++
	}
	if sigAlg != "" {
		t.p.SigAlgHistogram[sigAlg]++
	}
	if keyBits > 0 {
		t.p.KeySizeHistogram[keySizeBucket(keyBits)]++
	}
	if compliance != "" {
		t.p.ComplianceCounts[compliance]++
	}
	ev.At = time.Now()
	t.recent = append(t.recent, ev)
	if len(t.recent) > recentRingSize {
		t.recent = t.recent[len(t.recent)-recentRingSize:]
	}
	t.p.UpdatedAt = ev.At
	snap := t.snapshotLocked()
	t.mu.Unlock()
	m.pub.Publish(snap)
}

// Snapshot returns a copy of the upload's current progress, or a zero
// snapshot for an unknown id.
func (m *Manager) Snapshot(uploadID string) Progress {
	m.mu.Lock()
	t, ok := m.uploads[uploadID]
	m.mu.Unlock()
	if !ok {
		return Progress{UploadID: uploadID}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Forget drops the tracker for a completed or deleted upload.
func (m *Manager) Forget(uploadID string) {
	m.mu.Lock()
	delete(m.uploads, uploadID)
	m.mu.Unlock()
}

// Retire marks the upload's tracker finished. Finished trackers stay
// queryable until the retention bound is hit, then the oldest are evicted;
// trackers of running uploads are never evicted.
func (m *Manager) Retire(uploadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.uploads[uploadID]; ok {
		t.done = true
	}

	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, t := range m.uploads {
		if !t.done {
			continue
		}
		t.mu.Lock()
		at := t.p.UpdatedAt
		t.mu.Unlock()
		done = append(done, finished{id: id, at: at})
	}
	if len(done) <= maxRetained {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
	for _, f := range done[:len(done)-maxRetained] {
		delete(m.uploads, f.id)
	}
}

// snapshotLocked copies maps and the ring; caller holds t.mu.
func (t *tracker) snapshotLocked() Progress {
	snap := t.p
	snap.CountsByType = copyMap(t.p.CountsByType)
	snap.CountsByStatus = copyMap(t.p.CountsByStatus)
	snap.SigAlgHistogram = copyMap(t.p.SigAlgHistogram)
	snap.KeySizeHistogram = copyMap(t.p.KeySizeHistogram)
	snap.ComplianceCounts = copyMap(t.p.ComplianceCounts)
	snap.Recent = append([]CertEvent(nil), t.recent...)
	return snap
}

func copyMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func keySizeBucket(bits int) string {
	switch {
	case bits < 1024:
		return "<1024"
	case bits < 2048:
		return "1024"
	case bits < 3072:
		return "2048"
	case bits < 4096:
		return "3072"
	default:
		return "4096+"
	}
}
