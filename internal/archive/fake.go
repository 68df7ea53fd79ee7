package archive

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FakeAPI is an in-memory archive collection. It backs the dry-run mode of
// the CLI and the deterministic tests of the synchronizer and transfer
// engine.
type FakeAPI struct {
	mu        sync.Mutex
	resources []Resource

	// Error injection. Each is returned once per call while set.
	ListErr   error
	CreateErr error
	UpdateErr error
	ReadErr   error

	// TimeoutsBeforeSuccess makes the next N calls fail with ErrTimeout
	// before operations succeed again, to exercise the single-retry rule.
	TimeoutsBeforeSuccess int

	ListCalls   int
	CreateCalls int
	UpdateCalls int
	ReadCalls   int
}

// NewFakeAPI creates an empty fake collection.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{}
}

// Seed inserts a resource as-is, assigning a uuid when absent.
func (f *FakeAPI) Seed(r Resource) Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.UUID() == "" {
		r["uuid"] = uuid.New().String()
	}
	f.resources = append(f.resources, r)
	return r
}

func (f *FakeAPI) timeout() bool {
	if f.TimeoutsBeforeSuccess > 0 {
		f.TimeoutsBeforeSuccess--
		return true
	}
	return false
}

func (f *FakeAPI) List(_ context.Context, filters map[string]string) ([]Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.timeout() {
		return nil, ErrTimeout
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var matches []Resource
	for _, r := range f.resources {
		if matchesFilters(r, filters) {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

func (f *FakeAPI) Create(_ context.Context, fields map[string]any) (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.timeout() {
		return nil, ErrTimeout
	}
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	r := Resource{"uuid": uuid.New().String()}
	for k, v := range fields {
		r[k] = v
	}
	f.resources = append(f.resources, r)
	return r, nil
}

func (f *FakeAPI) Update(_ context.Context, id string, fields map[string]any) (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls++
	if f.timeout() {
		return nil, ErrTimeout
	}
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	for _, r := range f.resources {
		if r.UUID() == id {
			for k, v := range fields {
				r[k] = v
			}
			return r, nil
		}
	}
	return nil, &APIError{StatusCode: 404, Body: "not found"}
}

func (f *FakeAPI) Read(_ context.Context, id string) (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadCalls++
	if f.timeout() {
		return nil, ErrTimeout
	}
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	for _, r := range f.resources {
		if r.UUID() == id {
			return r, nil
		}
	}
	return nil, &APIError{StatusCode: 404, Body: "not found"}
}

// matchesFilters applies exact-match semantics, with the tags filter
// compared as an unordered set the way the archive does.
func matchesFilters(r Resource, filters map[string]string) bool {
	for key, want := range filters {
		if key == "tags" {
			if !sameTagSet(resourceTags(r), strings.Split(want, ",")) {
				return false
			}
			continue
		}
		if r.stringField(key) != want {
			return false
		}
	}
	return true
}

func resourceTags(r Resource) []string {
	switch v := r["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// FakeTransferFactory hands out FakeTransfers and records what was asked of
// it.
type FakeTransferFactory struct {
	mu sync.Mutex

	// Err, when set, is returned by every transfer's Finish.
	Err error
	// Result is the resource returned by Finish on success.
	Result Resource

	CreateCalls int
	UpdateCalls int
}

func (f *FakeTransferFactory) Create(_ context.Context, fields map[string]any, cb ProgressFunc) (Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	return &FakeTransfer{factory: f, callback: cb}, nil
}

func (f *FakeTransferFactory) Update(_ context.Context, _ string, fields map[string]any, cb ProgressFunc) (Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls++
	return &FakeTransfer{factory: f, callback: cb}, nil
}

// FakeTransfer simulates a transfer completing instantly with a few
// progress events.
type FakeTransfer struct {
	factory  *FakeTransferFactory
	callback ProgressFunc
}

func (t *FakeTransfer) Start(_ context.Context) error {
	if t.callback != nil {
		for _, pct := range []float64{25, 50, 75, 100} {
			t.callback("progress", pct)
		}
	}
	return nil
}

func (t *FakeTransfer) Finish(_ context.Context) (Resource, error) {
	t.factory.mu.Lock()
	defer t.factory.mu.Unlock()
	if t.factory.Err != nil {
		return nil, t.factory.Err
	}
	if t.factory.Result != nil {
		return t.factory.Result, nil
	}
	return Resource{"uuid": uuid.New().String()}, nil
}
