package container

// LaunchSpec is the contract between the engine and the stevedore-init
// launch helper. The engine serializes it to JSON and passes it on the
// helper's command line; the helper applies it after the launch pipe
// unblocks.
type LaunchSpec struct {
	Command          CommandInfo   `json:"command"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	User             string        `json:"user,omitempty"`
	Rootfs           string        `json:"rootfs,omitempty"`
	PreExecCommands  []CommandInfo `json:"pre_exec_commands,omitempty"`
	Capabilities     []string      `json:"capabilities,omitempty"`
	RuntimeDirectory string        `json:"runtime_directory"`
}

// Argv flattens a CommandInfo into an executable argument vector.
// Shell commands run through "sh -c".
func (c CommandInfo) Argv() []string {
	if c.Shell {
		return []string{"/bin/sh", "-c", c.Value}
	}
	return append([]string{c.Value}, c.Arguments...)
}
