// Package engine drives containers through their lifecycle:
//
//	PROVISIONING → PREPARING → ISOLATING → FETCHING → RUNNING → DESTROYING
//
// Launching runs isolator prepare serially in pipeline order, forks
// the init through the launcher (blocked on a pipe), isolates in
// parallel, fetches assets, then signals the exec. Destroy selects an
// unwind path from the state the container had reached, destroys
// children before their parent, and tears isolators down in reverse
// prepare order. Per-container state on disk makes the running fleet
// recoverable across agent restarts.
//
// All registry and container mutation happens under the engine mutex;
// after every blocking collaborator call the engine re-checks that the
// container is still registered and not being destroyed before it
// mutates anything further.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rowanhq/stevedore/internal/config"
	ctr "github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/events"
	"github.com/rowanhq/stevedore/internal/fetcher"
	"github.com/rowanhq/stevedore/internal/isolator"
	"github.com/rowanhq/stevedore/internal/launcher"
	"github.com/rowanhq/stevedore/internal/logger"
	"github.com/rowanhq/stevedore/internal/metrics"
	"github.com/rowanhq/stevedore/internal/paths"
	"github.com/rowanhq/stevedore/internal/provisioner"
	"github.com/rowanhq/stevedore/internal/state"
)

// Engine is the container lifecycle engine.
type Engine struct {
	cfg         *config.Config
	isolators   []isolator.Isolator
	launcher    launcher.Launcher
	provisioner provisioner.Provisioner
	fetcher     fetcher.Fetcher
	logger      logger.ContainerLogger
	metrics     *metrics.Metrics

	meta                 *state.DB
	events               *events.Store
	postFetch            func(id ctr.ID, directory string)
	defaultContainerInfo *ctr.Info

	// reaper produces the status future for a forked pid. Overridden
	// in tests.
	reaper func(id ctr.ID, pid int) *future[*int]

	mu       sync.Mutex
	registry *registry
}

// New creates an engine. Isolators are re-ordered so filesystem-class
// isolators run first; duplicate names are rejected. A nil registerer
// leaves metrics unregistered.
func New(cfg *config.Config, l launcher.Launcher, p provisioner.Provisioner,
	f fetcher.Fetcher, cl logger.ContainerLogger, isolators []isolator.Isolator,
	reg prometheus.Registerer) (*Engine, error) {

	seen := make(map[string]bool, len(isolators))
	for _, i := range isolators {
		if seen[i.Name()] {
			return nil, fmt.Errorf("duplicate isolator %q", i.Name())
		}
		seen[i.Name()] = true
	}

	e := &Engine{
		cfg:         cfg,
		isolators:   isolator.Order(isolators),
		launcher:    l,
		provisioner: p,
		fetcher:     f,
		logger:      cl,
		metrics:     metrics.New(reg),
		registry:    newRegistry(),
	}
	e.reaper = e.reap
	return e, nil
}

// SetMeta attaches the agent meta store used for pid checkpointing
// and recovery.
func (e *Engine) SetMeta(db *state.DB) {
	e.meta = db
}

// SetEvents attaches a lifecycle event store.
func (e *Engine) SetEvents(store *events.Store) {
	e.events = store
}

// OnPostFetch registers a hook invoked after a successful fetch,
// before the exec signal.
func (e *Engine) OnPostFetch(fn func(id ctr.ID, directory string)) {
	e.postFetch = fn
}

// SetDefaultContainerInfo sets the container info applied to launch
// requests that carry none.
func (e *Engine) SetDefaultContainerInfo(info *ctr.Info) {
	e.defaultContainerInfo = info
}

// Containers returns the IDs of all live containers.
func (e *Engine) Containers() []ctr.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.registry.ids()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Wait blocks until the container terminates and returns its
// termination. For unknown nested containers a checkpointed
// termination is returned when present; otherwise Wait returns nil
// for unknown containers.
func (e *Engine) Wait(id ctr.ID) (*ctr.Termination, error) {
	e.mu.Lock()
	c, ok := e.registry.get(id)
	if !ok {
		e.mu.Unlock()
		if id.HasParent() {
			term, found, err := paths.ReadTermination(e.cfg.RuntimeDir, id)
			if err != nil {
				return nil, fmt.Errorf("read checkpointed termination: %w", err)
			}
			if found {
				return term, nil
			}
		}
		return nil, nil
	}
	term := c.termination
	e.mu.Unlock()
	return term.wait()
}

// Launch starts a top-level container. It returns false when the
// request's container type belongs to a different containerizer, and
// blocks until the container reaches RUNNING or the launch fails. A
// failed launch triggers a destroy of the partially built container.
func (e *Engine) Launch(ctx context.Context, id ctr.ID, cfg *ctr.Config,
	environment map[string]string, checkpoint bool) (bool, error) {
	if id.HasParent() {
		return false, fmt.Errorf("container %s is nested, use LaunchNested", id)
	}

	if cfg.Container == nil && e.defaultContainerInfo != nil {
		info := *e.defaultContainerInfo
		cfg = cfg.Clone()
		cfg.Container = &info
	}
	if cfg.Container != nil && cfg.Container.Type != "" && cfg.Container.Type != ctr.TypeNative {
		return false, nil
	}

	log.Printf("engine: starting container %s", id)
	return e.launch(ctx, id, cfg, environment, checkpoint)
}

// LaunchNested starts a container nested under an existing one. The
// sandbox is derived from the root container's sandbox, and nothing
// is checkpointed to the agent meta store.
func (e *Engine) LaunchNested(ctx context.Context, id ctr.ID, command ctr.CommandInfo,
	info *ctr.Info, user string) (bool, error) {
	if !id.HasParent() {
		return false, fmt.Errorf("container %s is not nested", id)
	}

	e.mu.Lock()
	parent, ok := e.registry.get(*id.Parent)
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("parent container %s does not exist", id.Parent)
	}
	if parent.state == StateDestroying {
		e.mu.Unlock()
		return false, fmt.Errorf("parent container %s is in DESTROYING state", id.Parent)
	}
	root, ok := e.registry.get(id.Root())
	if !ok || root.directory == "" {
		e.mu.Unlock()
		return false, fmt.Errorf("unknown sandbox directory for root container %s", id.Root())
	}
	directory := paths.SandboxPath(root.directory, id)
	e.mu.Unlock()

	if err := os.MkdirAll(directory, 0755); err != nil {
		return false, fmt.Errorf("create nested sandbox %q: %w", directory, err)
	}
	if user != "" {
		// Best effort; the user may not exist on this agent.
		if err := chownToUser(directory, user); err != nil {
			log.Printf("engine: failed to chown sandbox %q to user %q: %v", directory, user, err)
		}
	}

	log.Printf("engine: starting nested container %s", id)

	cfg := &ctr.Config{
		Command:   command,
		Directory: directory,
		User:      user,
		Container: info,
	}
	return e.launch(ctx, id, cfg, nil, false)
}

// launch is the shared path for top-level and nested containers.
func (e *Engine) launch(ctx context.Context, id ctr.ID, cfg *ctr.Config,
	environment map[string]string, checkpoint bool) (bool, error) {

	e.mu.Lock()
	if _, ok := e.registry.get(id); ok {
		e.mu.Unlock()
		return false, fmt.Errorf("container %s already started", id)
	}
	if id.HasParent() {
		parent, ok := e.registry.get(*id.Parent)
		if !ok {
			e.mu.Unlock()
			return false, fmt.Errorf("parent container %s does not exist", id.Parent)
		}
		if parent.state == StateDestroying {
			e.mu.Unlock()
			return false, fmt.Errorf("parent container %s is in DESTROYING state", id.Parent)
		}
	}

	if err := paths.CreateRuntime(e.cfg.RuntimeDir, id); err != nil {
		e.mu.Unlock()
		return false, err
	}

	c := &Container{
		id:          id,
		state:       StateProvisioning,
		config:      cfg.Clone(),
		resources:   cfg.Resources,
		directory:   cfg.Directory,
		children:    make(map[string]ctr.ID),
		termination: newFuture[*ctr.Termination](),
		sequence:    newSequence(),
	}
	e.registry.insert(c)
	e.countTransition(c, StateProvisioning)
	e.mu.Unlock()

	if err := e.runLaunch(ctx, c, environment, checkpoint); err != nil {
		log.Printf("engine: launch of container %s failed: %v", id, err)
		// Unwind the partially built container; the termination is
		// still fulfilled for waiters.
		go e.Destroy(id)
		return false, err
	}
	return true, nil
}

// runLaunch drives a registered container from PROVISIONING to
// RUNNING.
func (e *Engine) runLaunch(ctx context.Context, c *Container,
	environment map[string]string, checkpoint bool) error {

	// Provision the image, if one was requested.
	var image *ctr.Image
	if c.config.Container != nil {
		image = c.config.Container.Image
	}
	if image != nil {
		prov := newFuture[*provisioner.ProvisionInfo]()
		e.mu.Lock()
		c.provisioning = prov
		e.mu.Unlock()

		info, err := e.provisioner.Provision(ctx, c.id, *image)
		prov.complete(info, err)
		if err != nil {
			return fmt.Errorf("provision image %q: %w", image.Name, err)
		}

		e.mu.Lock()
		if err := e.checkLiveLocked(c.id, "provisioning"); err != nil {
			e.mu.Unlock()
			return err
		}
		if len(info.DockerManifest) > 0 && len(info.AppcManifest) > 0 {
			e.mu.Unlock()
			return fmt.Errorf("provisioner returned both docker and appc manifests")
		}
		c.config.Rootfs = info.Rootfs
		c.config.DockerManifest = info.DockerManifest
		c.config.AppcManifest = info.AppcManifest
		e.setStateLocked(c, StatePreparing)
		e.mu.Unlock()
	} else {
		e.mu.Lock()
		if err := e.checkLiveLocked(c.id, "provisioning"); err != nil {
			e.mu.Unlock()
			return err
		}
		e.setStateLocked(c, StatePreparing)
		e.mu.Unlock()
	}

	// Prepare isolators strictly serially, in pipeline order.
	infosF := newFuture[[]*ctr.LaunchInfo]()
	e.mu.Lock()
	c.launchInfos = infosF
	applicable := e.applicable(c.id)
	cfgCopy := c.config.Clone()
	e.mu.Unlock()

	var infos []*ctr.LaunchInfo
	for _, iso := range applicable {
		e.mu.Lock()
		if err := e.checkLiveLocked(c.id, "preparing"); err != nil {
			e.mu.Unlock()
			infosF.complete(infos, err)
			return err
		}
		e.mu.Unlock()

		info, err := iso.Prepare(c.id, cfgCopy)
		if err != nil {
			err = fmt.Errorf("isolator %s prepare: %w", iso.Name(), err)
			infosF.complete(infos, err)
			return err
		}

		// Cleanup covers exactly the isolators whose prepare
		// succeeded, in reverse.
		e.mu.Lock()
		c.prepared = append(c.prepared, iso)
		e.mu.Unlock()

		infos = append(infos, info)
	}
	infosF.complete(infos, nil)

	// The sandbox location as seen from inside the container. Set
	// before the isolator contributions so they may override it.
	base := make(map[string]string, len(environment)+1)
	for k, v := range environment {
		base[k] = v
	}
	if c.config.Rootfs != "" {
		base["STEVEDORE_SANDBOX"] = e.cfg.SandboxDirectory
	} else {
		base["STEVEDORE_SANDBOX"] = c.directory
	}

	merged, err := mergeLaunchInfos(c.id, base, infos)
	if err != nil {
		return err
	}

	// Determine the final launch command. URIs, environment and user
	// travel out of band.
	command := cloneOrDefault(merged.command, c.config.Command)
	foldEnvironment(c.id, merged.env, c.config.Command.Environment)
	command.URIs = nil
	command.Environment = nil
	command.User = ""

	// Resolve the working directory. Containers on the host
	// filesystem always run in their sandbox; a rootfs container runs
	// in the isolator-chosen directory or the configured sandbox
	// mount point.
	workingDirectory := c.directory
	if c.config.Rootfs != "" {
		workingDirectory = e.cfg.SandboxDirectory
		if merged.workingDirectory != "" {
			workingDirectory = merged.workingDirectory
		}
	} else if merged.workingDirectory != "" {
		log.Printf("engine: ignoring working directory %q for container %s on the host filesystem",
			merged.workingDirectory, c.id)
	}

	subprocess, err := e.logger.Prepare(c.config.Executor, c.directory)
	if err != nil {
		return fmt.Errorf("logger prepare: %w", err)
	}

	e.mu.Lock()
	if err := e.checkLiveLocked(c.id, "preparing"); err != nil {
		e.mu.Unlock()
		closeSubprocess(subprocess)
		return err
	}
	e.mu.Unlock()

	// A pipe blocks the forked child until isolation and fetching are
	// done; writing one byte releases the exec.
	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		closeSubprocess(subprocess)
		return fmt.Errorf("create launch pipe: %w", err)
	}

	spec := ctr.LaunchSpec{
		Command:          command,
		WorkingDirectory: workingDirectory,
		User:             c.config.User,
		Rootfs:           c.config.Rootfs,
		PreExecCommands:  merged.preExec,
		Capabilities:     merged.capabilities,
		RuntimeDirectory: paths.RuntimePath(e.cfg.RuntimeDir, c.id),
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		pipeRead.Close()
		pipeWrite.Close()
		closeSubprocess(subprocess)
		return fmt.Errorf("encode launch spec: %w", err)
	}

	argv := []string{
		"stevedore-init", "launch",
		"--pipe-fd=3",
		"--spec=" + string(specJSON),
	}

	pid, err := e.launcher.Fork(c.id, e.cfg.HelperPath(), argv, launcher.IO{
		Stdout:     subprocess.Stdout,
		Stderr:     subprocess.Stderr,
		ExtraFiles: []*os.File{pipeRead},
	}, merged.env, merged.namespaces)

	// The child inherited its copies; drop the parent's.
	pipeRead.Close()
	closeSubprocess(subprocess)
	if err != nil {
		pipeWrite.Close()
		return fmt.Errorf("fork: %w", err)
	}
	defer pipeWrite.Close()

	e.mu.Lock()
	if c.pid == 0 {
		c.pid = pid
	}
	e.mu.Unlock()

	// Checkpoint the pid: agent meta first, runtime directory second.
	// The ordering guarantees that a runtime pid without a meta row
	// only ever means the meta store was wiped.
	if checkpoint && e.meta != nil {
		run := &state.Run{
			ContainerID: c.id.String(),
			Sandbox:     c.directory,
			ForkedPID:   &pid,
		}
		if ex := c.config.Executor; ex != nil {
			run.FrameworkID = ex.FrameworkID
			run.ExecutorID = ex.ID
			run.Executor = ex
		}
		if err := e.meta.CheckpointRun(run); err != nil {
			return fmt.Errorf("checkpoint forked pid %d: %w", pid, err)
		}
		e.mu.Lock()
		c.checkpointed = true
		e.mu.Unlock()
	}
	if err := paths.CheckpointPid(e.cfg.RuntimeDir, c.id, pid); err != nil {
		return fmt.Errorf("checkpoint container pid %d: %w", pid, err)
	}

	// Monitor the forked init. The status future is consulted again
	// during destroy.
	statusF := e.reaper(c.id, pid)
	e.mu.Lock()
	c.status = statusF
	e.mu.Unlock()
	go e.watchReaped(c.id, statusF)

	// Isolate in parallel; there are no declared dependencies between
	// isolators at this stage.
	e.mu.Lock()
	if err := e.checkLiveLocked(c.id, "preparing"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.setStateLocked(c, StateIsolating)
	isolation := newFuture[struct{}]()
	c.isolation = isolation
	e.mu.Unlock()

	for _, iso := range applicable {
		go e.watchLimitation(iso, c.id)
	}

	isolateErr := e.isolateAll(applicable, c.id, pid)
	isolation.complete(struct{}{}, isolateErr)
	if isolateErr != nil {
		return isolateErr
	}

	// Fetch assets into the sandbox.
	e.mu.Lock()
	if err := e.checkLiveLocked(c.id, "isolating"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.setStateLocked(c, StateFetching)
	fetchCommand := c.config.Command
	e.mu.Unlock()

	if err := e.fetcher.Fetch(ctx, c.id, fetchCommand, c.directory, c.config.User); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if e.postFetch != nil {
		e.postFetch(c.id, c.directory)
	}

	// Signal the helper to exec.
	e.mu.Lock()
	if err := e.checkLiveLocked(c.id, "fetching"); err != nil {
		e.mu.Unlock()
		return err
	}
	if _, err := pipeWrite.Write([]byte{0}); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("synchronize child process: %w", err)
	}
	e.setStateLocked(c, StateRunning)
	e.mu.Unlock()

	e.metrics.ContainersLaunched.Inc()
	log.Printf("engine: container %s running (pid %d)", c.id, pid)
	return nil
}

func (e *Engine) isolateAll(isolators []isolator.Isolator, id ctr.ID, pid int) error {
	var wg sync.WaitGroup
	errs := make([]error, len(isolators))
	for i, iso := range isolators {
		wg.Add(1)
		go func(i int, iso isolator.Isolator) {
			defer wg.Done()
			if err := iso.Isolate(id, pid); err != nil {
				errs[i] = fmt.Errorf("isolator %s isolate: %w", iso.Name(), err)
			}
		}(i, iso)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Update assigns a new resource allocation to a top-level container
// and pushes it to every isolator in parallel. Unknown or destroying
// containers are ignored with a warning: the agent updates resources
// on terminal task state changes, which can race the container's own
// exit.
func (e *Engine) Update(id ctr.ID, resources ctr.Resources) error {
	if id.HasParent() {
		return fmt.Errorf("cannot update nested container %s", id)
	}

	e.mu.Lock()
	c, ok := e.registry.get(id)
	if !ok {
		e.mu.Unlock()
		log.Printf("engine: ignoring update for unknown container %s", id)
		return nil
	}
	if c.state == StateDestroying {
		e.mu.Unlock()
		log.Printf("engine: ignoring update for currently being destroyed container %s", id)
		return nil
	}
	c.resources = resources
	e.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(e.isolators))
	for i, iso := range e.isolators {
		wg.Add(1)
		go func(i int, iso isolator.Isolator) {
			defer wg.Done()
			if err := iso.Update(id, resources); err != nil {
				errs[i] = fmt.Errorf("isolator %s update: %w", iso.Name(), err)
			}
		}(i, iso)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Usage samples resource statistics for a top-level container. Fans
// out to all isolators in parallel and tolerates individual failures,
// then overlays the limits from the stored allocation.
func (e *Engine) Usage(id ctr.ID) (*ctr.ResourceStatistics, error) {
	if id.HasParent() {
		return nil, fmt.Errorf("cannot sample usage of nested container %s", id)
	}

	e.mu.Lock()
	c, ok := e.registry.get(id)
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown container %s", id)
	}
	resources := c.resources
	e.mu.Unlock()

	type sample struct {
		stats *ctr.ResourceStatistics
		err   error
		name  string
	}
	samples := make([]sample, len(e.isolators))
	var wg sync.WaitGroup
	for i, iso := range e.isolators {
		wg.Add(1)
		go func(i int, iso isolator.Isolator) {
			defer wg.Done()
			stats, err := iso.Usage(id)
			samples[i] = sample{stats: stats, err: err, name: iso.Name()}
		}(i, iso)
	}
	wg.Wait()

	result := &ctr.ResourceStatistics{}
	for _, s := range samples {
		if s.err != nil {
			log.Printf("engine: skipping usage of isolator %s for container %s: %v", s.name, id, s.err)
			continue
		}
		if s.stats != nil {
			result.Merge(*s.stats)
		}
	}
	result.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)

	if resources.MemBytes > 0 {
		result.MemLimitBytes = resources.MemBytes
	}
	if resources.CPUs > 0 {
		result.CPUsLimit = resources.CPUs
	}
	return result, nil
}

// Status reports runtime status, merged from the applicable isolators
// and the launcher. Requests for the same container are serialized
// through its FIFO so concurrent callers observe results in arrival
// order.
func (e *Engine) Status(id ctr.ID) (*ctr.Status, error) {
	e.mu.Lock()
	c, ok := e.registry.get(id)
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown container %s", id)
	}
	// Claim the FIFO slot while still holding the engine lock so
	// request order is the order requests entered the engine.
	prev, done := c.sequence.slot()
	applicable := e.applicable(id)
	e.mu.Unlock()

	defer close(done)
	if prev != nil {
		<-prev
	}

	var result *ctr.Status
	func() {
		type report struct {
			status *ctr.Status
			err    error
			name   string
		}
		reports := make([]report, len(applicable)+1)
		var wg sync.WaitGroup
		for i, iso := range applicable {
			wg.Add(1)
			go func(i int, iso isolator.Isolator) {
				defer wg.Done()
				status, err := iso.Status(id)
				reports[i] = report{status: status, err: err, name: iso.Name()}
			}(i, iso)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := e.launcher.Status(id)
			reports[len(applicable)] = report{status: status, err: err, name: "launcher"}
		}()
		wg.Wait()

		merged := &ctr.Status{}
		for _, r := range reports {
			if r.err != nil {
				log.Printf("engine: skipping status of %s for container %s: %v", r.name, id, r.err)
				continue
			}
			if r.status != nil {
				merged.Merge(*r.status)
			}
		}
		result = merged
	}()
	return result, nil
}

// applicable returns the pipeline for a container, skipping
// non-nesting isolators for nested containers.
func (e *Engine) applicable(id ctr.ID) []isolator.Isolator {
	if !id.HasParent() {
		return e.isolators
	}
	out := make([]isolator.Isolator, 0, len(e.isolators))
	for _, iso := range e.isolators {
		if iso.SupportsNesting() {
			out = append(out, iso)
		}
	}
	return out
}

// checkLiveLocked fails when the container vanished or entered
// DESTROYING while the caller was suspended. Callers hold the engine
// mutex.
func (e *Engine) checkLiveLocked(id ctr.ID, stage string) error {
	c, ok := e.registry.get(id)
	if !ok {
		return fmt.Errorf("container destroyed during %s", stage)
	}
	if c.state == StateDestroying {
		return fmt.Errorf("container is being destroyed during %s", stage)
	}
	return nil
}

// setStateLocked advances a container's state. Callers hold the
// engine mutex.
func (e *Engine) setStateLocked(c *Container, s State) {
	c.state = s
	e.countTransition(c, s)
}

func (e *Engine) countTransition(c *Container, s State) {
	e.metrics.Transitions.WithLabelValues(string(s)).Inc()
	if e.events != nil {
		e.events.Append(c.id.String(), string(s), "")
	}
}

// mergedLaunch is the result of folding the per-isolator launch
// contributions.
type mergedLaunch struct {
	env              map[string]string
	command          *ctr.CommandInfo
	workingDirectory string
	preExec          []ctr.CommandInfo
	namespaces       ctr.Namespaces
	capabilities     []string
	hasCapabilities  bool
}

// mergeLaunchInfos folds the isolators' contributions in declaration
// order: environment last-writer-wins (logged), commands field-merged,
// at most one working directory and one capability set, pre-exec
// commands concatenated, namespaces OR-ed.
func mergeLaunchInfos(id ctr.ID, base map[string]string, infos []*ctr.LaunchInfo) (*mergedLaunch, error) {
	merged := &mergedLaunch{env: make(map[string]string, len(base))}
	for k, v := range base {
		merged.env[k] = v
	}

	for _, info := range infos {
		if info == nil {
			continue
		}

		foldEnvironment(id, merged.env, info.Environment)

		if info.Command != nil {
			if merged.command != nil {
				log.Printf("engine: merging launch commands from two isolators for container %s", id)
				merged.command.Merge(*info.Command)
			} else {
				cmd := *info.Command
				merged.command = &cmd
			}
		}

		if info.WorkingDirectory != "" {
			if merged.workingDirectory != "" {
				return nil, fmt.Errorf("at most one working directory can be returned from isolators")
			}
			merged.workingDirectory = info.WorkingDirectory
		}

		merged.preExec = append(merged.preExec, info.PreExecCommands...)
		merged.namespaces |= info.Namespaces

		if info.Capabilities != nil {
			if merged.hasCapabilities {
				return nil, fmt.Errorf("at most one capabilities set can be returned from isolators")
			}
			merged.capabilities = info.Capabilities
			merged.hasCapabilities = true
		}
	}
	return merged, nil
}

// foldEnvironment overlays vars onto env, last writer wins, logging
// overwrites.
func foldEnvironment(id ctr.ID, env map[string]string, vars map[string]string) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if old, ok := env[k]; ok && old != vars[k] {
			log.Printf("engine: overwriting environment variable %q for container %s", k, id)
		}
		env[k] = vars[k]
	}
}

func cloneOrDefault(override *ctr.CommandInfo, fallback ctr.CommandInfo) ctr.CommandInfo {
	if override != nil {
		return *override
	}
	return fallback
}

func closeSubprocess(s *logger.SubprocessInfo) {
	if s.Stdout != nil {
		s.Stdout.Close()
	}
	if s.Stderr != nil {
		s.Stderr.Close()
	}
}

// joinErrors renders a non-empty error list as "a; b; c".
func joinErrors(errs []string) string {
	return strings.Join(errs, "; ")
}
