package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rowanhq/stevedore/internal/config"
	ctr "github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/isolator"
	"github.com/rowanhq/stevedore/internal/launcher"
	"github.com/rowanhq/stevedore/internal/logger"
	"github.com/rowanhq/stevedore/internal/provisioner"
)

// callLog records collaborator calls in invocation order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// indexOf returns the position of the first call equal to s, or -1.
func (l *callLog) indexOf(s string) int {
	for i, c := range l.snapshot() {
		if c == s {
			return i
		}
	}
	return -1
}

func (l *callLog) contains(s string) bool { return l.indexOf(s) >= 0 }

type fakeIsolator struct {
	name    string
	nesting bool
	log     *callLog

	prepareErr error
	isolateErr error
	cleanupErr error
	launchInfo *ctr.LaunchInfo

	mu       sync.Mutex
	watchers map[string]chan ctr.Limitation
}

func newFakeIsolator(name string, log *callLog) *fakeIsolator {
	return &fakeIsolator{
		name:     name,
		nesting:  true,
		log:      log,
		watchers: make(map[string]chan ctr.Limitation),
	}
}

func (f *fakeIsolator) Name() string          { return f.name }
func (f *fakeIsolator) SupportsNesting() bool { return f.nesting }

func (f *fakeIsolator) Recover(states []isolator.ContainerState, orphans []ctr.ID) error {
	f.log.add("%s.recover", f.name)
	return nil
}

func (f *fakeIsolator) Prepare(id ctr.ID, cfg *ctr.Config) (*ctr.LaunchInfo, error) {
	f.log.add("%s.prepare %s", f.name, id)
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return f.launchInfo, nil
}

func (f *fakeIsolator) Isolate(id ctr.ID, pid int) error {
	f.log.add("%s.isolate %s", f.name, id)
	return f.isolateErr
}

func (f *fakeIsolator) Watch(id ctr.ID) <-chan ctr.Limitation {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.watchers[id.String()]
	if !ok {
		ch = make(chan ctr.Limitation, 1)
		f.watchers[id.String()] = ch
	}
	return ch
}

// limit delivers a limitation for id through the watch channel.
func (f *fakeIsolator) limit(id ctr.ID, lim ctr.Limitation) {
	f.Watch(id)
	f.mu.Lock()
	ch := f.watchers[id.String()]
	f.mu.Unlock()
	ch <- lim
}

func (f *fakeIsolator) Update(id ctr.ID, resources ctr.Resources) error {
	f.log.add("%s.update %s", f.name, id)
	return nil
}

func (f *fakeIsolator) Usage(id ctr.ID) (*ctr.ResourceStatistics, error) {
	return &ctr.ResourceStatistics{MemRSSBytes: 1 << 20}, nil
}

func (f *fakeIsolator) Status(id ctr.ID) (*ctr.Status, error) {
	return &ctr.Status{}, nil
}

func (f *fakeIsolator) Cleanup(id ctr.ID) error {
	f.log.add("%s.cleanup %s", f.name, id)
	return f.cleanupErr
}

type fakeLauncher struct {
	log *callLog
	h   *harness

	destroyErr   error
	destroyBlock chan struct{} // non-nil: Destroy blocks until closed
	skipReap     bool          // Destroy succeeds without settling the reap
	orphans      []ctr.ID

	mu      sync.Mutex
	nextPid int
	pids    map[string]int
	pipes   map[string]int // duped launch pipe read fds, like a live child
}

func newFakeLauncher(log *callLog) *fakeLauncher {
	return &fakeLauncher{
		log:     log,
		nextPid: 1000,
		pids:    make(map[string]int),
		pipes:   make(map[string]int),
	}
}

func (l *fakeLauncher) Recover(states []isolator.ContainerState) ([]ctr.ID, error) {
	l.log.add("launcher.recover")
	return l.orphans, nil
}

func (l *fakeLauncher) Fork(id ctr.ID, path string, argv []string, stdio launcher.IO,
	env map[string]string, namespaces ctr.Namespaces) (int, error) {
	l.log.add("fork %s", id)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPid++
	l.pids[id.String()] = l.nextPid
	// Hold the read end open the way a forked child would, so the
	// engine's exec-signal write has a reader.
	if len(stdio.ExtraFiles) > 0 {
		if fd, err := syscall.Dup(int(stdio.ExtraFiles[0].Fd())); err == nil {
			l.pipes[id.String()] = fd
		}
	}
	return l.nextPid, nil
}

func (l *fakeLauncher) Destroy(id ctr.ID) error {
	l.log.add("launcher.destroy %s", id)
	if l.destroyBlock != nil {
		<-l.destroyBlock
	}
	if l.destroyErr != nil {
		return l.destroyErr
	}
	l.mu.Lock()
	if fd, ok := l.pipes[id.String()]; ok {
		syscall.Close(fd)
		delete(l.pipes, id.String())
	}
	l.mu.Unlock()
	if !l.skipReap {
		l.h.completeReap(id, 0)
	}
	return nil
}

func (l *fakeLauncher) Status(id ctr.ID) (*ctr.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pid, ok := l.pids[id.String()]
	if !ok {
		return nil, fmt.Errorf("unknown container %s", id)
	}
	return &ctr.Status{ExecutorPID: &pid}, nil
}

type fakeProvisioner struct {
	log *callLog

	provisionErr error
	block        chan struct{} // non-nil: Provision blocks until closed
	info         *provisioner.ProvisionInfo
}

func (p *fakeProvisioner) Recover(known []ctr.ID) error {
	p.log.add("provisioner.recover")
	return nil
}

func (p *fakeProvisioner) Provision(ctx context.Context, id ctr.ID, image ctr.Image) (*provisioner.ProvisionInfo, error) {
	p.log.add("provision %s", id)
	if p.block != nil {
		<-p.block
	}
	if p.provisionErr != nil {
		return nil, p.provisionErr
	}
	if p.info != nil {
		return p.info, nil
	}
	return &provisioner.ProvisionInfo{Rootfs: "/tmp/rootfs"}, nil
}

func (p *fakeProvisioner) Destroy(id ctr.ID) (bool, error) {
	p.log.add("provisioner.destroy %s", id)
	return true, nil
}

type fakeFetcher struct {
	log      *callLog
	fetchErr error
}

func (f *fakeFetcher) Fetch(ctx context.Context, id ctr.ID, command ctr.CommandInfo,
	directory, user string) error {
	f.log.add("fetch %s", id)
	return f.fetchErr
}

func (f *fakeFetcher) Kill(id ctr.ID) {
	f.log.add("fetcher.kill %s", id)
}

type fakeLogger struct{}

func (fakeLogger) Recover(*ctr.ExecutorInfo, string) error { return nil }

func (fakeLogger) Prepare(*ctr.ExecutorInfo, string) (*logger.SubprocessInfo, error) {
	stdout, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	stderr, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		stdout.Close()
		return nil, err
	}
	return &logger.SubprocessInfo{Stdout: stdout, Stderr: stderr}, nil
}

// harness wires an engine to fakes and a controllable reaper.
type harness struct {
	t        *testing.T
	eng      *Engine
	cfg      *config.Config
	log      *callLog
	launcher *fakeLauncher
	prov     *fakeProvisioner
	fetch    *fakeFetcher

	mu    sync.Mutex
	reaps map[string]*future[*int]
}

func newHarness(t *testing.T, isolators ...isolator.Isolator) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	base := t.TempDir()
	cfg.WorkDir = filepath.Join(base, "sandboxes")
	cfg.RuntimeDir = filepath.Join(base, "runtime")
	cfg.ProvisionerDir = filepath.Join(base, "provisioner")
	cfg.EventsDir = filepath.Join(base, "events")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	// Share the fake isolators' call log so a single log records every
	// collaborator call in order.
	log := &callLog{}
	for _, iso := range isolators {
		if f, ok := iso.(*fakeIsolator); ok {
			log = f.log
			break
		}
	}
	h := &harness{
		t:        t,
		cfg:      cfg,
		log:      log,
		launcher: newFakeLauncher(log),
		prov:     &fakeProvisioner{log: log},
		fetch:    &fakeFetcher{log: log},
		reaps:    make(map[string]*future[*int]),
	}
	h.launcher.h = h

	eng, err := New(cfg, h.launcher, h.prov, h.fetch, fakeLogger{}, isolators, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.reaper = h.reaper
	h.eng = eng
	return h
}

func (h *harness) reaper(id ctr.ID, pid int) *future[*int] {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := newFuture[*int]()
	h.reaps[id.String()] = f
	return f
}

// completeReap settles a container's status future with status.
func (h *harness) completeReap(id ctr.ID, status int) {
	h.mu.Lock()
	f, ok := h.reaps[id.String()]
	h.mu.Unlock()
	if ok {
		f.complete(&status, nil)
	}
}

// sandbox creates a sandbox directory for a container.
func (h *harness) sandbox(name string) string {
	dir := filepath.Join(h.cfg.WorkDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		h.t.Fatalf("mkdir sandbox: %v", err)
	}
	return dir
}

func (h *harness) launchConfig(name string) *ctr.Config {
	return &ctr.Config{
		Command:   ctr.CommandInfo{Value: "/bin/sleep", Arguments: []string{"1000"}},
		Directory: h.sandbox(name),
	}
}

// termination grabs the termination future of a live container.
func (h *harness) termination(id ctr.ID) *future[*ctr.Termination] {
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	c, ok := h.eng.registry.get(id)
	if !ok {
		h.t.Fatalf("container %s not registered", id)
	}
	return c.termination
}

func (h *harness) containerState(id ctr.ID) (State, bool) {
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	c, ok := h.eng.registry.get(id)
	if !ok {
		return "", false
	}
	return c.state, true
}

// waitRemoved polls until the container leaves the registry.
func (h *harness) waitRemoved(id ctr.ID) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.containerState(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("container %s still registered", id)
}

func TestLaunchHappyPathOrdering(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	b := newFakeIsolator("b", log)
	h := newHarness(t, a, b)

	id := ctr.NewID("c1")
	ok, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false)
	if err != nil || !ok {
		t.Fatalf("Launch = (%v, %v), want (true, nil)", ok, err)
	}

	if state, _ := h.containerState(id); state != StateRunning {
		t.Errorf("state = %s, want %s", state, StateRunning)
	}

	order := []string{"a.prepare c1", "b.prepare c1", "fork c1", "fetch c1"}
	last := -1
	for _, call := range order {
		idx := h.log.indexOf(call)
		if idx < 0 {
			t.Fatalf("missing call %q in %v", call, h.log.snapshot())
		}
		if idx <= last {
			t.Errorf("call %q out of order in %v", call, h.log.snapshot())
		}
		last = idx
	}
	// Isolate runs after fork and before fetch, in parallel.
	fork, fetch := h.log.indexOf("fork c1"), h.log.indexOf("fetch c1")
	for _, call := range []string{"a.isolate c1", "b.isolate c1"} {
		idx := h.log.indexOf(call)
		if idx < fork || idx > fetch {
			t.Errorf("%q not between fork and fetch: %v", call, h.log.snapshot())
		}
	}

	term := h.termination(id)
	ok, err = h.eng.Destroy(id)
	if err != nil || !ok {
		t.Fatalf("Destroy = (%v, %v), want (true, nil)", ok, err)
	}

	// launcher.destroy, then cleanup in reverse prepare order, then
	// the provisioner.
	sequence := []string{"launcher.destroy c1", "b.cleanup c1", "a.cleanup c1", "provisioner.destroy c1"}
	last = -1
	for _, call := range sequence {
		idx := h.log.indexOf(call)
		if idx < 0 {
			t.Fatalf("missing call %q in %v", call, h.log.snapshot())
		}
		if idx <= last {
			t.Errorf("call %q out of order in %v", call, h.log.snapshot())
		}
		last = idx
	}

	result, err := term.wait()
	if err != nil {
		t.Fatalf("termination failed: %v", err)
	}
	if result.Status == nil || *result.Status != 0 {
		t.Errorf("termination status = %v, want 0", result.Status)
	}
	if _, ok := h.containerState(id); ok {
		t.Errorf("container still registered after destroy")
	}
}

func TestLaunchPrepareFailureMidPipeline(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	b := newFakeIsolator("b", log)
	b.prepareErr = fmt.Errorf("no such cgroup")
	c := newFakeIsolator("c", log)
	h := newHarness(t, a, b, c)

	id := ctr.NewID("c1")
	_, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false)
	if err == nil || !strings.Contains(err.Error(), "prepare") {
		t.Fatalf("Launch error = %v, want prepare failure", err)
	}

	h.waitRemoved(id)

	if h.log.contains("c.prepare c1") {
		t.Errorf("isolator c prepared after b failed: %v", h.log.snapshot())
	}
	if h.log.contains("fork c1") {
		t.Errorf("forked after prepare failure: %v", h.log.snapshot())
	}
	if !h.log.contains("a.cleanup c1") {
		t.Errorf("isolator a not cleaned up: %v", h.log.snapshot())
	}
	if h.log.contains("b.cleanup c1") || h.log.contains("c.cleanup c1") {
		t.Errorf("cleanup ran for isolators whose prepare did not succeed: %v", h.log.snapshot())
	}
}

func TestDestroyDuringProvisioning(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)
	h.prov.block = make(chan struct{})

	id := ctr.NewID("c1")
	cfg := h.launchConfig("c1")
	cfg.Container = &ctr.Info{Image: &ctr.Image{Name: "alpine:3.20"}}

	launchErr := make(chan error, 1)
	go func() {
		_, err := h.eng.Launch(context.Background(), id, cfg, nil, false)
		launchErr <- err
	}()

	// Wait for the container to enter PROVISIONING.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if state, ok := h.containerState(id); ok && state == StateProvisioning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("container never entered PROVISIONING")
		}
		time.Sleep(time.Millisecond)
	}

	destroyErr := make(chan error, 1)
	go func() {
		_, err := h.eng.Destroy(id)
		destroyErr <- err
	}()

	// The destroy must await provisioning before unwinding.
	time.Sleep(20 * time.Millisecond)
	close(h.prov.block)

	if err := <-destroyErr; err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := <-launchErr; err == nil {
		t.Fatalf("Launch succeeded despite destroy")
	}

	if h.log.contains("fork c1") {
		t.Errorf("forked during destroy: %v", h.log.snapshot())
	}
	if h.log.contains("a.cleanup c1") {
		t.Errorf("isolator cleanup ran with nothing prepared: %v", h.log.snapshot())
	}
	if !h.log.contains("provisioner.destroy c1") {
		t.Errorf("provisioner.destroy not called: %v", h.log.snapshot())
	}
}

func TestLimitationInducedDestroy(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)

	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	term := h.termination(id)
	a.limit(id, ctr.Limitation{Message: "mem oom", Reason: ctr.ReasonMemLimit})

	result, err := term.wait()
	if err != nil {
		t.Fatalf("termination failed: %v", err)
	}
	if result.State != ctr.TaskFailed {
		t.Errorf("state = %q, want %q", result.State, ctr.TaskFailed)
	}
	if result.Message != "mem oom" {
		t.Errorf("message = %q, want %q", result.Message, "mem oom")
	}
	if len(result.Reasons) != 1 || result.Reasons[0] != ctr.ReasonMemLimit {
		t.Errorf("reasons = %v, want [%s]", result.Reasons, ctr.ReasonMemLimit)
	}
	h.waitRemoved(id)
}

func TestNestedDestroyPrecedesParent(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)

	parent := ctr.NewID("p")
	if _, err := h.eng.Launch(context.Background(), parent, h.launchConfig("p"), nil, false); err != nil {
		t.Fatalf("Launch parent: %v", err)
	}
	c1 := ctr.NewChildID(parent, "c1")
	c2 := ctr.NewChildID(parent, "c2")
	for _, nested := range []ctr.ID{c1, c2} {
		if _, err := h.eng.LaunchNested(context.Background(), nested,
			ctr.CommandInfo{Value: "/bin/true"}, nil, ""); err != nil {
			t.Fatalf("LaunchNested %s: %v", nested, err)
		}
	}

	if ok, err := h.eng.Destroy(parent); err != nil || !ok {
		t.Fatalf("Destroy = (%v, %v), want (true, nil)", ok, err)
	}

	parentKill := h.log.indexOf("launcher.destroy p")
	for _, child := range []string{"p.c1", "p.c2"} {
		idx := h.log.indexOf("provisioner.destroy " + child)
		if idx < 0 {
			t.Fatalf("child %s never finished destroying: %v", child, h.log.snapshot())
		}
		if idx > parentKill {
			t.Errorf("child %s destroyed after parent kill: %v", child, h.log.snapshot())
		}
	}

	// Removing the root runtime directory sweeps the nested ones.
	for _, id := range []ctr.ID{parent, c1, c2} {
		if _, err := os.Stat(filepath.Join(h.cfg.RuntimeDir, "containers", "p")); !os.IsNotExist(err) {
			t.Errorf("runtime directory of %s survived root destroy", id)
		}
	}
}

func TestNestedWaitReturnsCheckpointedTermination(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)

	parent := ctr.NewID("p")
	if _, err := h.eng.Launch(context.Background(), parent, h.launchConfig("p"), nil, false); err != nil {
		t.Fatalf("Launch parent: %v", err)
	}
	nested := ctr.NewChildID(parent, "c1")
	if _, err := h.eng.LaunchNested(context.Background(), nested,
		ctr.CommandInfo{Value: "/bin/true"}, nil, ""); err != nil {
		t.Fatalf("LaunchNested: %v", err)
	}

	term := h.termination(nested)
	if ok, err := h.eng.Destroy(nested); err != nil || !ok {
		t.Fatalf("Destroy = (%v, %v), want (true, nil)", ok, err)
	}
	want, err := term.wait()
	if err != nil {
		t.Fatalf("termination failed: %v", err)
	}

	// The nested container is gone from the registry; its wait is
	// served from the checkpointed termination.
	got, err := h.eng.Wait(nested)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got == nil {
		t.Fatalf("Wait returned nil for checkpointed nested container")
	}
	if (got.Status == nil) != (want.Status == nil) ||
		(got.Status != nil && *got.Status != *want.Status) ||
		got.State != want.State || got.Message != want.Message {
		t.Errorf("checkpointed termination %+v, want %+v", got, want)
	}
}

func TestDestroyUnknownContainer(t *testing.T) {
	h := newHarness(t)
	ok, err := h.eng.Destroy(ctr.NewID("ghost"))
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if ok {
		t.Errorf("Destroy of unknown container = true, want false")
	}
}

func TestConcurrentDestroysObserveSameTermination(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)

	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := h.eng.Destroy(id)
			if err != nil {
				t.Errorf("Destroy: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("destroy %d = false, want true", i)
		}
	}
	if n := h.log.indexOf("launcher.destroy c1"); n < 0 {
		t.Fatalf("launcher.destroy never called")
	}
	calls := 0
	for _, c := range h.log.snapshot() {
		if c == "launcher.destroy c1" {
			calls++
		}
	}
	if calls != 1 {
		t.Errorf("launcher.destroy called %d times, want 1", calls)
	}
}

func TestDestroyFailureLeavesContainerRegistered(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)
	h.launcher.destroyErr = fmt.Errorf("processes still alive")

	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	_, err := h.eng.Destroy(id)
	if err == nil || !strings.Contains(err.Error(), "kill all processes") {
		t.Fatalf("Destroy error = %v, want kill failure", err)
	}

	// The container is left registered so the stuck state is
	// observable, and isolator cleanup never ran.
	if _, ok := h.containerState(id); !ok {
		t.Errorf("container removed despite destroy failure")
	}
	if h.log.contains("a.cleanup c1") {
		t.Errorf("isolator cleanup ran after kill failure: %v", h.log.snapshot())
	}

	// A second destroy short-circuits to the same failed termination.
	if _, err2 := h.eng.Destroy(id); err2 == nil || err2.Error() != err.Error() {
		t.Errorf("second destroy = %v, want same failure", err2)
	}
}

func TestDestroyTimesOutOnHungLauncher(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)
	h.cfg.DestroyTimeout = 50 * time.Millisecond
	h.launcher.destroyBlock = make(chan struct{})
	defer close(h.launcher.destroyBlock)

	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	_, err := h.eng.Destroy(id)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Destroy error = %v, want timeout", err)
	}
	if _, ok := h.containerState(id); !ok {
		t.Errorf("container removed despite destroy timeout")
	}
	if h.log.contains("a.cleanup c1") {
		t.Errorf("isolator cleanup ran after kill timeout: %v", h.log.snapshot())
	}
}

func TestDestroyTimesOutOnMissingReap(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)
	h.cfg.DestroyTimeout = 50 * time.Millisecond
	h.launcher.skipReap = true

	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	_, err := h.eng.Destroy(id)
	if err == nil || !strings.Contains(err.Error(), "reaped") {
		t.Fatalf("Destroy error = %v, want reap timeout", err)
	}
	if _, ok := h.containerState(id); !ok {
		t.Errorf("container removed despite destroy timeout")
	}
	if h.log.contains("a.cleanup c1") {
		t.Errorf("isolator cleanup ran before the reap: %v", h.log.snapshot())
	}
}

func TestDuplicateLaunchRejected(t *testing.T) {
	h := newHarness(t)
	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err == nil {
		t.Errorf("duplicate launch succeeded")
	}
}

func TestLaunchForeignContainerTypeNotHandled(t *testing.T) {
	h := newHarness(t)
	cfg := h.launchConfig("c1")
	cfg.Container = &ctr.Info{Type: ctr.TypeExternal}
	ok, err := h.eng.Launch(context.Background(), ctr.NewID("c1"), cfg, nil, false)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if ok {
		t.Errorf("Launch handled a foreign container type")
	}
}

func TestWaitUnknownContainer(t *testing.T) {
	h := newHarness(t)
	term, err := h.eng.Wait(ctr.NewID("ghost"))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if term != nil {
		t.Errorf("Wait = %+v, want nil", term)
	}
}

func TestUpdateIgnoresUnknownAndNestedFails(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)

	if err := h.eng.Update(ctr.NewID("ghost"), ctr.Resources{CPUs: 1}); err != nil {
		t.Errorf("Update unknown: %v", err)
	}
	nested := ctr.NewChildID(ctr.NewID("p"), "c")
	if err := h.eng.Update(nested, ctr.Resources{}); err == nil {
		t.Errorf("Update of nested container succeeded")
	}
}

func TestUpdateAssignsResourcesAndFansOut(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	b := newFakeIsolator("b", log)
	h := newHarness(t, a, b)

	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	res := ctr.Resources{CPUs: 2, MemBytes: 256 << 20}
	if err := h.eng.Update(id, res); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !h.log.contains("a.update c1") || !h.log.contains("b.update c1") {
		t.Errorf("update not fanned out: %v", h.log.snapshot())
	}

	stats, err := h.eng.Usage(id)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if stats.CPUsLimit != 2 {
		t.Errorf("CPUsLimit = %v, want 2", stats.CPUsLimit)
	}
	if stats.MemLimitBytes != 256<<20 {
		t.Errorf("MemLimitBytes = %v, want %v", stats.MemLimitBytes, 256<<20)
	}
	// Two isolators each reported 1MB RSS.
	if stats.MemRSSBytes != 2<<20 {
		t.Errorf("MemRSSBytes = %v, want %v", stats.MemRSSBytes, 2<<20)
	}
	if stats.Timestamp == 0 {
		t.Errorf("Timestamp not stamped")
	}
}

func TestStatusMergesLauncherPid(t *testing.T) {
	log := &callLog{}
	a := newFakeIsolator("a", log)
	h := newHarness(t, a)

	id := ctr.NewID("c1")
	if _, err := h.eng.Launch(context.Background(), id, h.launchConfig("c1"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	status, err := h.eng.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ExecutorPID == nil {
		t.Fatalf("status has no pid")
	}
}

func TestRegistryEdgesFormForest(t *testing.T) {
	h := newHarness(t)

	p := ctr.NewID("p")
	if _, err := h.eng.Launch(context.Background(), p, h.launchConfig("p"), nil, false); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	c1 := ctr.NewChildID(p, "c1")
	if _, err := h.eng.LaunchNested(context.Background(), c1, ctr.CommandInfo{Value: "/bin/true"}, nil, ""); err != nil {
		t.Fatalf("LaunchNested: %v", err)
	}
	g1 := ctr.NewChildID(c1, "g1")
	if _, err := h.eng.LaunchNested(context.Background(), g1, ctr.CommandInfo{Value: "/bin/true"}, nil, ""); err != nil {
		t.Fatalf("LaunchNested grandchild: %v", err)
	}

	h.eng.mu.Lock()
	for _, id := range h.eng.registry.ids() {
		c, _ := h.eng.registry.get(id)
		for _, child := range c.children {
			if !child.Parent.Equal(id) {
				t.Errorf("child %s linked under %s", child, id)
			}
		}
		if id.HasParent() {
			parent, ok := h.eng.registry.get(*id.Parent)
			if !ok {
				t.Errorf("parent of %s missing", id)
				continue
			}
			if _, ok := parent.children[id.String()]; !ok {
				t.Errorf("%s not in parent's children", id)
			}
		}
	}
	h.eng.mu.Unlock()

	// Nested sandbox paths live under the root's sandbox.
	h.eng.mu.Lock()
	root, _ := h.eng.registry.get(p)
	grand, _ := h.eng.registry.get(g1)
	h.eng.mu.Unlock()
	if !strings.HasPrefix(grand.directory, root.directory+string(os.PathSeparator)) {
		t.Errorf("nested sandbox %q not under root sandbox %q", grand.directory, root.directory)
	}
}

func TestLaunchNestedRequiresLiveParent(t *testing.T) {
	h := newHarness(t)
	nested := ctr.NewChildID(ctr.NewID("ghost"), "c")
	if _, err := h.eng.LaunchNested(context.Background(), nested, ctr.CommandInfo{Value: "/bin/true"}, nil, ""); err == nil {
		t.Errorf("nested launch under missing parent succeeded")
	}
}

func TestMergeLaunchInfos(t *testing.T) {
	id := ctr.NewID("c")

	t.Run("environment last writer wins", func(t *testing.T) {
		merged, err := mergeLaunchInfos(id, map[string]string{"A": "base"}, []*ctr.LaunchInfo{
			{Environment: map[string]string{"A": "first", "B": "1"}},
			nil,
			{Environment: map[string]string{"A": "second"}},
		})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if merged.env["A"] != "second" || merged.env["B"] != "1" {
			t.Errorf("env = %v", merged.env)
		}
	})

	t.Run("single working directory", func(t *testing.T) {
		_, err := mergeLaunchInfos(id, nil, []*ctr.LaunchInfo{
			{WorkingDirectory: "/a"},
			{WorkingDirectory: "/b"},
		})
		if err == nil {
			t.Errorf("two working directories accepted")
		}
	})

	t.Run("single capabilities set", func(t *testing.T) {
		_, err := mergeLaunchInfos(id, nil, []*ctr.LaunchInfo{
			{Capabilities: []string{"CAP_NET_RAW"}},
			{Capabilities: []string{}},
		})
		if err == nil {
			t.Errorf("two capability sets accepted")
		}
	})

	t.Run("namespaces or-ed and pre-exec concatenated", func(t *testing.T) {
		merged, err := mergeLaunchInfos(id, nil, []*ctr.LaunchInfo{
			{Namespaces: ctr.NamespacePID, PreExecCommands: []ctr.CommandInfo{{Value: "one"}}},
			{Namespaces: ctr.NamespaceNet, PreExecCommands: []ctr.CommandInfo{{Value: "two"}}},
		})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if merged.namespaces != ctr.NamespacePID|ctr.NamespaceNet {
			t.Errorf("namespaces = %v", merged.namespaces)
		}
		if len(merged.preExec) != 2 || merged.preExec[0].Value != "one" || merged.preExec[1].Value != "two" {
			t.Errorf("preExec = %v", merged.preExec)
		}
	})

	t.Run("commands field merged in order", func(t *testing.T) {
		merged, err := mergeLaunchInfos(id, nil, []*ctr.LaunchInfo{
			{Command: &ctr.CommandInfo{Value: "/bin/a", Arguments: []string{"-x"}}},
			{Command: &ctr.CommandInfo{Arguments: []string{"-y"}}},
		})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if merged.command.Value != "/bin/a" {
			t.Errorf("command value = %q", merged.command.Value)
		}
		if len(merged.command.Arguments) != 2 {
			t.Errorf("arguments = %v", merged.command.Arguments)
		}
	})
}
