package scheduler_test

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*transfer.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*transfer.Job)}
}

func (s *memStore) Insert(_ context.Context, job *transfer.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp

	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, change transfer.StatusChange) error {
	if err := change.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}

	if !job.Status.CanTransition(change.Status) {
		return &transfer.TransitionError{From: job.Status, To: change.Status, Reason: "transition not allowed"}
	}

	job.Apply(change)

	return nil
}

func (s *memStore) UpdateProgress(_ context.Context, id string, update transfer.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}

	if job.Status != transfer.StatusDownloading || update.Percent < job.Progress {
		return nil
	}

	job.Progress = update.Percent
	job.Seeders = update.Seeders

	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*transfer.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := *job

	return &cp, nil
}

func (s *memStore) ListByUser(_ context.Context, userID string) ([]*transfer.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*transfer.Job

	for _, job := range s.jobs {
		if job.UserID == userID {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	return jobs, nil
}

func (s *memStore) ListActive(_ context.Context) ([]*transfer.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*transfer.Job

	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	return jobs, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) status(id string) transfer.Status {
	job, err := s.Get(context.Background(), id)
	if err != nil {
		return ""
	}

	return job.Status
}

// fakeDriver hands out the info hash as handle. Each handle reports whatever its progress
// function returns; the default is a finished download. afterAdd runs once the torrent is
// added and its error is returned together with the handle.
type fakeDriver struct {
	mu        sync.Mutex
	started   []string
	paused    []string
	cleaned   []string
	progress  func(handle string) (*transfer.Progress, error)
	startErr  error
	afterAdd  func(ctx context.Context) error
	onCleanup func(handle string)
}

func (d *fakeDriver) Start(ctx context.Context, source *transfer.Source, _, _ string) (string, error) {
	d.mu.Lock()

	if d.startErr != nil {
		d.mu.Unlock()

		return "", d.startErr
	}

	d.started = append(d.started, source.InfoHash)
	hook := d.afterAdd
	d.mu.Unlock()

	if hook != nil {
		return source.InfoHash, hook(ctx)
	}

	return source.InfoHash, nil
}

func (d *fakeDriver) Progress(_ context.Context, handle string) (*transfer.Progress, error) {
	d.mu.Lock()
	fn := d.progress
	d.mu.Unlock()

	if fn == nil {
		return &transfer.Progress{Percent: 100, Seeders: 1, Name: handle, PayloadPath: "/downloads/" + handle}, nil
	}

	return fn(handle)
}

func (d *fakeDriver) Pause(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paused = append(d.paused, handle)

	return nil
}

func (d *fakeDriver) Cleanup(_ context.Context, handle string, _ bool) error {
	d.mu.Lock()
	hook := d.onCleanup
	d.mu.Unlock()

	if hook != nil {
		hook(handle)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleaned = append(d.cleaned, handle)

	return nil
}

func (d *fakeDriver) startedHandles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.started)
}

func (d *fakeDriver) wasCleaned(handle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Contains(d.cleaned, handle)
}

func (d *fakeDriver) wasPaused(handle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Contains(d.paused, handle)
}

type fakeUploader struct {
	mu        sync.Mutex
	uploadErr error
	linkErr   error
	uploaded  []string
}

func (u *fakeUploader) Upload(_ context.Context, localPath, _, _ string) (*transfer.RemoteObject, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.uploadErr != nil {
		return nil, u.uploadErr
	}

	u.uploaded = append(u.uploaded, localPath)

	return &transfer.RemoteObject{ID: "remote-" + fmt.Sprint(len(u.uploaded))}, nil
}

func (u *fakeUploader) GenerateShareableLink(_ context.Context, remoteID string) (string, error) {
	if u.linkErr != nil {
		return "", u.linkErr
	}

	return "https://share.example/" + remoteID, nil
}

func (u *fakeUploader) uploads() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return slices.Clone(u.uploaded)
}
