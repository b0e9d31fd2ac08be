// Package provisioner materializes container root filesystems from
// images.
package provisioner

import (
	"context"

	"github.com/rowanhq/stevedore/internal/container"
)

// ProvisionInfo is the result of provisioning an image: the rootfs
// path and at most one manifest.
type ProvisionInfo struct {
	Rootfs         string
	DockerManifest []byte
	AppcManifest   []byte
}

// Provisioner materializes and reclaims per-container root
// filesystems.
type Provisioner interface {
	// Recover reconciles provisioned rootfs state with the set of
	// containers known after recovery, sweeping leftovers.
	Recover(known []container.ID) error

	// Provision materializes a rootfs for the container from image.
	Provision(ctx context.Context, id container.ID, image container.Image) (*ProvisionInfo, error)

	// Destroy reclaims the container's provisioned rootfs. Returns
	// false when the container had nothing provisioned.
	Destroy(id container.ID) (bool, error)
}
