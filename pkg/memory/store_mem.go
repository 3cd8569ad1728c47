package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// MemStore keeps everything in process memory. It backs the "memory"
// storage backend and most tests.
type MemStore struct {
	mu      sync.Mutex
	records map[string][]Record
	jobs    map[string]Job
	metrics map[string]float64
}

func NewMemStore() *MemStore {
	return &MemStore{
		records: map[string][]Record{},
		jobs:    map[string]Job{},
		metrics: map[string]float64{},
	}
}

func (m *MemStore) Close() error { return nil }

func cloneRecord(rec Record) Record {
	rec.Embedding = cloneVector(rec.Embedding)
	rec.Metadata = copyMetadata(rec.Metadata)
	if rec.MergedFrom != nil {
		rec.MergedFrom = append([]string(nil), rec.MergedFrom...)
	}
	return rec
}

func (m *MemStore) InsertRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records[rec.UserID] {
		if existing.ID == rec.ID {
			return goerr.New("duplicate memory id", goerr.V("memory_id", rec.ID))
		}
	}
	m.records[rec.UserID] = append(m.records[rec.UserID], cloneRecord(rec))
	return nil
}

func (m *MemStore) GetRecord(_ context.Context, userID, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records[userID] {
		if rec.ID == id {
			return cloneRecord(rec), nil
		}
	}
	return Record{}, goerr.Wrap(ErrNotFound, "memory not found", goerr.V("user_id", userID), goerr.V("memory_id", id))
}

func (m *MemStore) ListActive(_ context.Context, userID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Record{}
	for _, rec := range m.records[userID] {
		if rec.Active() {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (m *MemStore) CountActive(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records[userID] {
		if rec.Active() {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) IncrementAccess(_ context.Context, userID string, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	recs := m.records[userID]
	for i := range recs {
		if _, ok := want[recs[i].ID]; ok {
			recs[i].AccessCount++
			recs[i].LastAccessedAt = at.UTC()
		}
	}
	return nil
}

func (m *MemStore) ReplaceGroup(_ context.Context, userID string, merged Record, retired []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[userID]
	idx := make([]int, 0, len(retired))
	for _, id := range retired {
		found := -1
		for i := range recs {
			if recs[i].ID == id && recs[i].Active() {
				found = i
				break
			}
		}
		if found < 0 {
			return errGroupConflict
		}
		idx = append(idx, found)
	}
	for _, i := range idx {
		recs[i].RetiredAt = at.UTC()
		recs[i].UpdatedAt = at.UTC()
	}
	m.records[userID] = append(recs, cloneRecord(merged))
	return nil
}

func (m *MemStore) ListUsers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for userID, recs := range m.records {
		for _, rec := range recs {
			if rec.Active() {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) EnqueueJob(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job = normalizeJob(job, nowMS())
	if existing, ok := m.jobs[job.ID]; ok {
		switch existing.Status {
		case JobPending:
			return nil
		case JobRunning:
			existing.Rerun = true
			existing.Payload = job.Payload
			existing.UpdatedAtMS = job.UpdatedAtMS
			m.jobs[job.ID] = existing
			return nil
		}
	}
	job.Attempts = 0
	job.Rerun = false
	m.jobs[job.ID] = job
	return nil
}

func (m *MemStore) ClaimNextJob(_ context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Job
	for id := range m.jobs {
		job := m.jobs[id]
		if job.RunAfterMS > nowMS {
			continue
		}
		ready := job.Status == JobPending || (job.Status == JobRunning && job.LeaseUntilMS <= nowMS)
		if !ready {
			continue
		}
		if best == nil || job.Priority < best.Priority ||
			(job.Priority == best.Priority && job.CreatedAtMS < best.CreatedAtMS) ||
			(job.Priority == best.Priority && job.CreatedAtMS == best.CreatedAtMS && job.ID < best.ID) {
			j := job
			best = &j
		}
	}
	if best == nil {
		return Job{}, false, nil
	}
	best.Status = JobRunning
	best.LeaseUntilMS = nowMS + leaseForMS
	best.UpdatedAtMS = nowMS
	best.Attempts++
	best.Error = ""
	m.jobs[best.ID] = *best
	return *best, true, nil
}

func (m *MemStore) CompleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		now := nowMS()
		if job.Rerun {
			job = requeueRerun(job, now)
		} else {
			job.Status = JobCompleted
			job.CompletedAtMS = now
		}
		job.UpdatedAtMS = now
		job.LeaseUntilMS = 0
		m.jobs[id] = job
	}
	return nil
}

func (m *MemStore) FailJob(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		now := nowMS()
		if job.Rerun {
			job = requeueRerun(job, now)
		} else {
			job.Status = JobFailed
		}
		job.Error = errMsg
		job.UpdatedAtMS = now
		job.LeaseUntilMS = 0
		m.jobs[id] = job
	}
	return nil
}

func requeueRerun(job Job, now int64) Job {
	job.Status = JobPending
	job.RunAfterMS = now
	job.Attempts = 0
	job.Rerun = false
	return job
}

func (m *MemStore) RequeueExpiredJobs(_ context.Context, nowMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		if job.Status == JobRunning && job.LeaseUntilMS > 0 && job.LeaseUntilMS <= nowMS {
			job.Status = JobPending
			job.UpdatedAtMS = nowMS
			job.Error = ""
			m.jobs[id] = job
		}
	}
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, goerr.Wrap(ErrNotFound, "job not found", goerr.V("job_id", id))
	}
	return job, nil
}

func (m *MemStore) AddMetric(_ context.Context, metric string, value float64, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metric] += value
	return nil
}

func (m *MemStore) SumMetric(_ context.Context, metric string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics[metric], nil
}
