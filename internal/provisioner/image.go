package provisioner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/rowanhq/stevedore/internal/container"
)

// Image provisions container rootfs directories by pulling OCI images
// and unpacking their layers under a provisioner root:
//
//	<root>/containers/<id>/rootfs
type Image struct {
	root string
}

// NewImage creates an image provisioner rooted at root.
func NewImage(root string) (*Image, error) {
	if err := os.MkdirAll(filepath.Join(root, "containers"), 0700); err != nil {
		return nil, fmt.Errorf("create provisioner root: %w", err)
	}
	return &Image{root: root}, nil
}

// Recover sweeps provisioned rootfs directories that belong to no
// known container.
func (p *Image) Recover(known []container.ID) error {
	keep := make(map[string]bool, len(known))
	for _, id := range known {
		keep[id.Root().Value] = true
	}

	entries, err := os.ReadDir(filepath.Join(p.root, "containers"))
	if err != nil {
		return fmt.Errorf("read provisioner root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		dir := filepath.Join(p.root, "containers", entry.Name())
		log.Printf("provisioner: sweeping rootfs of unknown container %s", entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("sweep %s: %w", dir, err)
		}
	}
	return nil
}

// Provision pulls the image for the host platform and unpacks its
// layers into the container's rootfs directory.
func (p *Image) Provision(ctx context.Context, id container.ID, image container.Image) (*ProvisionInfo, error) {
	if image.Kind != "" && image.Kind != container.ImageDocker {
		return nil, fmt.Errorf("unsupported image kind %q", image.Kind)
	}

	img, err := pull(ctx, image.Name)
	if err != nil {
		return nil, err
	}

	rootfs := filepath.Join(p.root, "containers", id.Root().Value, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return nil, fmt.Errorf("create rootfs directory: %w", err)
	}
	if err := unpack(img, rootfs); err != nil {
		os.RemoveAll(filepath.Dir(rootfs))
		return nil, fmt.Errorf("unpack %s: %w", image.Name, err)
	}

	manifest, err := img.RawManifest()
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	log.Printf("provisioner: provisioned rootfs for container %s from %s", id, image.Name)
	return &ProvisionInfo{Rootfs: rootfs, DockerManifest: manifest}, nil
}

// Destroy removes the container's provisioned directory. Nested
// containers share the root container's rootfs, so only root
// destroys reclaim anything.
func (p *Image) Destroy(id container.ID) (bool, error) {
	if id.HasParent() {
		return false, nil
	}
	dir := filepath.Join(p.root, "containers", id.Value)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove rootfs: %w", err)
	}
	return true, nil
}

// pull resolves an image reference and pulls the variant matching the
// host platform.
func pull(ctx context.Context, imageRef string) (v1.Image, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	platform := v1.Platform{OS: "linux", Architecture: runtime.GOARCH}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(platform))
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", imageRef, err)
	}

	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("get image index: %w", err)
		}
		indexManifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("get index manifest: %w", err)
		}
		for _, m := range indexManifest.Manifests {
			if m.Platform != nil && m.Platform.OS == platform.OS &&
				m.Platform.Architecture == platform.Architecture {
				img, err := idx.Image(m.Digest)
				if err != nil {
					return nil, fmt.Errorf("get %s image: %w", platform.Architecture, err)
				}
				return img, nil
			}
		}
		return nil, fmt.Errorf("no linux/%s variant found in %s", platform.Architecture, imageRef)
	default:
		img, err := desc.Image()
		if err != nil {
			return nil, fmt.Errorf("get image: %w", err)
		}
		// Single-manifest image — verify the platform actually
		// matches, or the container fails later with confusing exec
		// format errors.
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("get image config: %w", err)
		}
		if cfg.OS != platform.OS || cfg.Architecture != platform.Architecture {
			return nil, fmt.Errorf("image %s is %s/%s, host requires %s/%s",
				imageRef, cfg.OS, cfg.Architecture, platform.OS, platform.Architecture)
		}
		return img, nil
	}
}
