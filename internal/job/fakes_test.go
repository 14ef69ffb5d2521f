package job

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jobengine/internal/artifact"
	"jobengine/internal/dispatcher"
)

// fakeProvisioner hands out workers whose exit the test controls.
type fakeProvisioner struct {
	mu            sync.Mutex
	requests      []ProvisionRequest
	exits         map[string]chan WorkerExit
	provisionErr  error
	block         bool // Provision waits for ctx cancellation
	deprovisioned atomic.Int64
	panicOnStart  bool
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{exits: make(map[string]chan WorkerExit)}
}

func (p *fakeProvisioner) Provision(ctx context.Context, req ProvisionRequest) (*Worker, error) {
	if p.panicOnStart {
		panic("provisioner exploded")
	}
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.provisionErr != nil {
		return nil, p.provisionErr
	}
	exit := make(chan WorkerExit, 1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.exits[req.JobID] = exit
	p.mu.Unlock()
	return &Worker{ID: "worker-" + req.JobID, Exit: exit}, nil
}

func (p *fakeProvisioner) Deprovision(context.Context, *Worker) error {
	p.deprovisioned.Add(1)
	return nil
}

// exit reports a worker exit once the job has a worker.
func (p *fakeProvisioner) exit(jobID string, code int) {
	p.mu.Lock()
	ch := p.exits[jobID]
	p.mu.Unlock()
	ch <- WorkerExit{Code: code}
}

func (p *fakeProvisioner) provisioned(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.exits[jobID]
	return ok
}

func (p *fakeProvisioner) request(jobID string) (ProvisionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.requests {
		if r.JobID == jobID {
			return r, true
		}
	}
	return ProvisionRequest{}, false
}

// fakeReporter records tracking records and comments.
type fakeReporter struct {
	mu        sync.Mutex
	records   map[string]string
	comments  map[string][]string
	createErr error
	next      int

	// When set, CreateTrackingRecord signals entered and waits for
	// release or ctx cancellation.
	entered chan struct{}
	release chan struct{}
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{records: make(map[string]string), comments: make(map[string][]string)}
}

func (r *fakeReporter) CreateTrackingRecord(ctx context.Context, _, body string) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	if r.release != nil {
		r.entered <- struct{}{}
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("%d", r.next)
	r.records[id] = body
	return id, nil
}

func (r *fakeReporter) UpdateTrackingRecord(_ context.Context, id, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = body
	return nil
}

func (r *fakeReporter) PostComment(_ context.Context, id, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments[id] = append(r.comments[id], text)
	return nil
}

func (r *fakeReporter) body(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

func (r *fakeReporter) commentsOn(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.comments[id]...)
}

// memBlob is an in-memory artifact.BlobStore. A Put of holdKey signals
// held and waits for release.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte

	holdKey string
	held    chan struct{}
	release chan struct{}
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (b *memBlob) Put(_ context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if b.holdKey != "" && key == b.holdKey {
		b.held <- struct{}{}
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBlob) Size(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return 0, fmt.Errorf("no such key %s", key)
	}
	return int64(len(data)), nil
}

func (b *memBlob) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlob) URL(key string) string { return "https://blobs.example/" + key }

func (b *memBlob) get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return string(data), ok
}

func (b *memBlob) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for k := range b.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fakeNotifier collects dispatched callback events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []*dispatcher.Event
}

func (n *fakeNotifier) Dispatch(e *dispatcher.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Payload.Type)
	}
	return out
}

type harness struct {
	prov     *fakeProvisioner
	reporter *fakeReporter
	blob     *memBlob
	notifier *fakeNotifier
	registry *Registry
	deps     Deps
	opts     Options
}

func newHarness() *harness {
	h := &harness{
		prov:     newFakeProvisioner(),
		reporter: newFakeReporter(),
		blob:     newMemBlob(),
		notifier: &fakeNotifier{},
		registry: NewRegistry(time.Hour),
		opts: Options{
			Lifetime:      time.Minute,
			IdleTimeout:   time.Minute,
			PublicBaseURL: "https://jobs.example",
		},
	}
	h.deps = Deps{
		Provisioner: h.prov,
		Reporter:    h.reporter,
		Blob:        h.blob,
		Gate:        artifact.NewGate(8),
		Notifier:    h.notifier,
	}
	return h
}

func (h *harness) service() *Service {
	return NewService(h.registry, h.deps, h.opts)
}
