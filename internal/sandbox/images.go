package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
)

// defaultKernelImage ships python3 with pandas, numpy and matplotlib and runs
// as uid 1000.
const defaultKernelImage = "quay.io/jupyter/scipy-notebook:latest"

// GetDockerImage returns the image kernels run in.
// If a custom image is specified in config, it takes precedence.
func GetDockerImage(config Config) string {
	if config.DockerImage != "" {
		return config.DockerImage
	}
	return defaultKernelImage
}

// ensureImage checks if the image exists locally, and pulls it if not.
func (r *DockerRunner) ensureImage(ctx context.Context, imageName string) error {
	if _, err := r.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain the pull output (required for pull to complete)
	_, _ = io.Copy(io.Discard, reader)
	return nil
}
