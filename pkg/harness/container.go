package harness

import (
	"context"
	"io"
	"path"
	"path/filepath"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultBinary is the codeship executable expected in container images
const DefaultBinary = "codeship"

const containerPayloadDir = "/codeship"

// Container runs payloads in a disposable docker container.
// The image must provide the codeship executable.
type Container struct {
	runnerSettings
	image string
}

// NewContainer runner for an image
func NewContainer(image string, opts ...RunnerOption) *Container {
	r := &Container{runnerSettings: defaultRunnerSettings(), image: image}
	for _, apply := range opts {
		apply(&r.runnerSettings)
	}
	if r.binary == "" {
		r.binary = DefaultBinary
	}
	return r
}

func (r *Container) String() string {
	return "container:" + r.image
}

// Request describes the container started for a payload
func (r *Container) Request(dir, key string) testcontainers.ContainerRequest {
	target := path.Join(containerPayloadDir, key)
	return testcontainers.ContainerRequest{
		Image: r.image,
		Cmd:   []string{r.binary, "run", target},
		Env:   r.env,
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      filepath.Join(dir, key),
				ContainerFilePath: target,
				FileMode:          0o644,
			},
		},
		WaitingFor: wait.ForExit().WithExitTimeout(r.timeout),
	}
}

// Run "codeship run" on a payload
func (r *Container) Run(ctx context.Context, dir, key string) (res *Result, err error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: r.Request(dir, key),
		Started:          true,
	})
	if c != nil {
		defer func() {
			if terr := c.Terminate(context.Background()); terr != nil && err == nil {
				err = terr
			}
		}()
	}
	if err != nil {
		return nil, err
	}

	state, err := c.State(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := c.Logs(ctx)
	if err != nil {
		return nil, err
	}
	defer logs.Close()
	output, err := io.ReadAll(logs)
	if err != nil {
		return nil, err
	}
	if r.stream != nil {
		_, _ = r.stream.Write(output)
	}

	return &Result{
		Passed:   state.ExitCode == 0,
		ExitCode: state.ExitCode,
		Output:   string(output),
	}, nil
}
