// Package container defines the data model shared by the lifecycle
// engine and its collaborators: container identifiers, launch
// configuration, isolator launch contributions, terminations and
// resource limitations.
package container

import (
	"sort"
	"strings"
)

// ID identifies a container. IDs form a tree: a nested container's ID
// carries a pointer to its parent. Equality is structural; use Equal,
// not ==.
type ID struct {
	Value  string
	Parent *ID
}

// NewID returns a root container ID.
func NewID(value string) ID {
	return ID{Value: value}
}

// NewChildID returns an ID nested under parent.
func NewChildID(parent ID, value string) ID {
	p := parent
	return ID{Value: value, Parent: &p}
}

// HasParent reports whether the ID is nested.
func (id ID) HasParent() bool {
	return id.Parent != nil
}

// Root walks parent links to the top-level ancestor.
func (id ID) Root() ID {
	for id.Parent != nil {
		id = *id.Parent
	}
	return id
}

// Ancestry returns the chain from the root down to this ID.
func (id ID) Ancestry() []ID {
	var chain []ID
	for cur := &id; cur != nil; cur = cur.Parent {
		chain = append(chain, *cur)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Equal reports structural equality.
func (id ID) Equal(other ID) bool {
	if id.Value != other.Value {
		return false
	}
	if (id.Parent == nil) != (other.Parent == nil) {
		return false
	}
	if id.Parent == nil {
		return true
	}
	return id.Parent.Equal(*other.Parent)
}

// String renders the ID as a dotted path, root first.
func (id ID) String() string {
	parts := make([]string, 0, 4)
	for _, a := range id.Ancestry() {
		parts = append(parts, a.Value)
	}
	return strings.Join(parts, ".")
}

// ContainerType distinguishes containers this engine owns from those
// delegated to another containerizer.
type ContainerType string

const (
	// TypeNative marks containers launched and recovered by this engine.
	TypeNative ContainerType = "NATIVE"
	// TypeExternal marks containers belonging to a different containerizer.
	TypeExternal ContainerType = "EXTERNAL"
)

// ImageKind names the image manifest flavor.
type ImageKind string

const (
	ImageDocker ImageKind = "DOCKER"
	ImageAppc   ImageKind = "APPC"
)

// Image requests a root filesystem materialized from an image.
type Image struct {
	Kind ImageKind
	Name string // registry reference, e.g. "alpine:3.20"
}

// Info describes the container requirements attached to an executor or
// launch request.
type Info struct {
	Type  ContainerType
	Image *Image
}

// URI names an asset the fetcher downloads into the sandbox.
type URI struct {
	Value      string
	OutputFile string
	Executable bool
	Extract    bool
}

// CommandInfo describes a command to run.
type CommandInfo struct {
	Value       string
	Arguments   []string
	Shell       bool
	User        string
	Environment map[string]string
	URIs        []URI
}

// Merge overlays non-empty fields of other onto c, in place. List
// fields are concatenated, the environment is overlaid key by key.
func (c *CommandInfo) Merge(other CommandInfo) {
	if other.Value != "" {
		c.Value = other.Value
	}
	c.Arguments = append(c.Arguments, other.Arguments...)
	if other.Shell {
		c.Shell = true
	}
	if other.User != "" {
		c.User = other.User
	}
	if len(other.Environment) > 0 {
		if c.Environment == nil {
			c.Environment = make(map[string]string, len(other.Environment))
		}
		for k, v := range other.Environment {
			c.Environment[k] = v
		}
	}
	c.URIs = append(c.URIs, other.URIs...)
}

// ExecutorInfo identifies the executor a container runs.
type ExecutorInfo struct {
	ID          string
	FrameworkID string
	Command     CommandInfo
	Resources   Resources
	Container   *Info
}

// Resources is a container's resource allocation.
type Resources struct {
	CPUs      float64
	MemBytes  uint64
	DiskBytes uint64
}

// IsZero reports whether no resource is allocated.
func (r Resources) IsZero() bool {
	return r.CPUs == 0 && r.MemBytes == 0 && r.DiskBytes == 0
}

// Config is the declarative input to a container launch. Rootfs and
// the manifests are populated by the engine after provisioning.
type Config struct {
	Executor  *ExecutorInfo
	Command   CommandInfo
	Directory string
	User      string
	Container *Info
	Resources Resources

	// Set after provisioning.
	Rootfs         string
	DockerManifest []byte
	AppcManifest   []byte
}

// Clone returns a deep enough copy for handing to isolators: mutations
// of the copy's maps and slices do not alias the original.
func (c *Config) Clone() *Config {
	out := *c
	out.Command = cloneCommand(c.Command)
	if c.Executor != nil {
		ex := *c.Executor
		ex.Command = cloneCommand(c.Executor.Command)
		out.Executor = &ex
	}
	if c.Container != nil {
		ci := *c.Container
		out.Container = &ci
	}
	return &out
}

func cloneCommand(c CommandInfo) CommandInfo {
	out := c
	out.Arguments = append([]string(nil), c.Arguments...)
	out.URIs = append([]URI(nil), c.URIs...)
	if c.Environment != nil {
		out.Environment = make(map[string]string, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

// Namespaces is a bitmap of Linux namespace kinds a container needs.
type Namespaces int

const (
	NamespaceMount Namespaces = 1 << iota
	NamespaceUTS
	NamespaceIPC
	NamespacePID
	NamespaceNet
	NamespaceUser
	NamespaceCgroup
)

// LaunchInfo is an isolator's contribution to the container launch,
// returned from Prepare. All fields are optional.
type LaunchInfo struct {
	Environment      map[string]string
	Command          *CommandInfo
	WorkingDirectory string
	PreExecCommands  []CommandInfo
	Namespaces       Namespaces
	Capabilities     []string // nil means unset; empty means drop all
}

// Reason classifies a resource limitation.
type Reason string

const (
	ReasonMemLimit  Reason = "CONTAINER_LIMITATION_MEMORY"
	ReasonCPULimit  Reason = "CONTAINER_LIMITATION_CPU"
	ReasonDiskLimit Reason = "CONTAINER_LIMITATION_DISK"
)

// Limitation is an isolator-originated signal that a container
// breached a resource policy and should be terminated.
type Limitation struct {
	Resources Resources
	Message   string
	Reason    Reason
}

// TaskState is the terminal task state carried by a termination.
type TaskState string

// TaskFailed marks terminations caused by resource limitations.
const TaskFailed TaskState = "TASK_FAILED"

// Termination is the final record of a destroyed container.
type Termination struct {
	// Status is the OS wait status of the container init, when known.
	Status *int `json:"status,omitempty"`
	// State is set to TaskFailed when limitations were recorded.
	State TaskState `json:"state,omitempty"`
	// Message concatenates limitation messages with "; ".
	Message string `json:"message,omitempty"`
	// Reasons collects the limitation reasons in arrival order.
	Reasons []Reason `json:"reasons,omitempty"`
}

// ResourceStatistics is a snapshot of a container's resource usage.
type ResourceStatistics struct {
	Timestamp          float64
	CPUsUserTimeSecs   float64
	CPUsSystemTimeSecs float64
	CPUsLimit          float64
	MemRSSBytes        uint64
	MemLimitBytes      uint64
	DiskUsedBytes      uint64
	Processes          uint32
	Threads            uint32
}

// Merge folds other into s: usage counters (CPU times, RSS, disk,
// processes, threads) are summed, while the timestamp and the limits
// are overlaid when non-zero in other.
func (s *ResourceStatistics) Merge(other ResourceStatistics) {
	if other.Timestamp != 0 {
		s.Timestamp = other.Timestamp
	}
	s.CPUsUserTimeSecs += other.CPUsUserTimeSecs
	s.CPUsSystemTimeSecs += other.CPUsSystemTimeSecs
	if other.CPUsLimit != 0 {
		s.CPUsLimit = other.CPUsLimit
	}
	s.MemRSSBytes += other.MemRSSBytes
	if other.MemLimitBytes != 0 {
		s.MemLimitBytes = other.MemLimitBytes
	}
	s.DiskUsedBytes += other.DiskUsedBytes
	s.Processes += other.Processes
	s.Threads += other.Threads
}

// Status is runtime status reported by isolators and the launcher.
type Status struct {
	ExecutorPID *int
	IPAddresses []string
}

// Merge combines another status into s. The pid is first-writer-wins,
// addresses are deduplicated and sorted for stable output.
func (s *Status) Merge(other Status) {
	if s.ExecutorPID == nil && other.ExecutorPID != nil {
		pid := *other.ExecutorPID
		s.ExecutorPID = &pid
	}
	if len(other.IPAddresses) > 0 {
		seen := make(map[string]bool, len(s.IPAddresses)+len(other.IPAddresses))
		for _, ip := range s.IPAddresses {
			seen[ip] = true
		}
		for _, ip := range other.IPAddresses {
			if !seen[ip] {
				s.IPAddresses = append(s.IPAddresses, ip)
				seen[ip] = true
			}
		}
		sort.Strings(s.IPAddresses)
	}
}
