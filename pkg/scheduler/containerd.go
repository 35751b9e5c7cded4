package scheduler

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/moosh3/mindloom/pkg/log"
)

// DefaultContainerdSocket is where containerd listens on most hosts.
const DefaultContainerdSocket = "/run/containerd/containerd.sock"

const containerdStopTimeout = 10 * time.Second

// cfsPeriodUs is the CFS scheduler period used when translating CPU
// quantities into quota microseconds.
const cfsPeriodUs = 100000

// ContainerdScheduler launches workers as containerd container+task pairs on
// the local node. It serves single-node deployments without Kubernetes; the
// control plane and the workers share the host, so connection environment
// (database, redis) is injected into the OCI spec from workerEnv rather than
// mounted from a cluster secret.
type ContainerdScheduler struct {
	client    *containerd.Client
	namespace string
	workerEnv map[string]string
	logger    zerolog.Logger
}

// NewContainerdScheduler connects to the containerd socket. workerEnv
// carries connection variables added to every worker; spec env wins on
// collision.
func NewContainerdScheduler(socketPath, namespace string, workerEnv map[string]string) (*ContainerdScheduler, error) {
	if socketPath == "" {
		socketPath = DefaultContainerdSocket
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdScheduler{
		client:    client,
		namespace: namespace,
		workerEnv: workerEnv,
		logger:    log.WithComponent("scheduler"),
	}, nil
}

func (s *ContainerdScheduler) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, s.namespace)
	name := WorkerName(spec.RunID)

	image, err := s.client.GetImage(ctx, spec.Image)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return "", Transient(fmt.Errorf("failed to get image %s: %w", spec.Image, err))
		}
		image, err = s.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", Transient(fmt.Errorf("failed to pull image %s: %w", spec.Image, err))
		}
	}

	env, err := buildWorkerEnv(spec)
	if err != nil {
		return "", Permanent(err)
	}
	for k, v := range s.workerEnv {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	envSlice := make([]string, 0, len(env))
	for _, k := range sortedEnvKeys(env) {
		envSlice = append(envSlice, k+"="+env[k])
	}

	resources, err := withResources(spec)
	if err != nil {
		return "", Permanent(err)
	}

	container, err := s.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("mindloom", "worker"),
			oci.WithEnv(envSlice),
			resources,
		),
		containerd.WithContainerLabels(workerLabels(spec.RunID)),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			s.logger.Debug().Str("run_id", spec.RunID).Str("container", name).Msg("Worker container already exists")
			return name, nil
		}
		return "", Transient(fmt.Errorf("failed to create container %s: %w", name, err))
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return name, nil
		}
		return "", Transient(fmt.Errorf("failed to create task for %s: %w", name, err))
	}
	if err := task.Start(ctx); err != nil {
		return "", Transient(fmt.Errorf("failed to start task for %s: %w", name, err))
	}

	s.logger.Info().Str("run_id", spec.RunID).Str("container", name).Msg("Launched worker container")
	return name, nil
}

func (s *ContainerdScheduler) Inspect(ctx context.Context, handle string) (Phase, error) {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	container, err := s.client.LoadContainer(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return PhaseUnknown, nil
		}
		return PhaseUnknown, fmt.Errorf("failed to load container %s: %w", handle, err)
	}
	phase, _ := taskPhase(ctx, container)
	return phase, nil
}

func (s *ContainerdScheduler) Delete(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	container, err := s.client.LoadContainer(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", handle, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		s.stopTask(ctx, task)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task %s: %w", handle, err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", handle, err)
	}
	return nil
}

func (s *ContainerdScheduler) ListRunWorkers(ctx context.Context) ([]WorkerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, s.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, LabelApp, LabelAppValue)
	containers, err := s.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker containers: %w", err)
	}

	infos := make([]WorkerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read container %s: %w", c.ID(), err)
		}
		phase, finishedAt := taskPhase(ctx, c)
		infos = append(infos, WorkerInfo{
			Handle:     c.ID(),
			RunID:      info.Labels[LabelRunID],
			Phase:      phase,
			FinishedAt: finishedAt,
		})
	}
	return infos, nil
}

// Close releases the containerd client connection.
func (s *ContainerdScheduler) Close() error {
	return s.client.Close()
}

// stopTask asks the task to exit with SIGTERM and escalates to SIGKILL after
// the stop timeout.
func (s *ContainerdScheduler) stopTask(ctx context.Context, task containerd.Task) {
	status, err := task.Status(ctx)
	if err != nil || status.Status != containerd.Running {
		return
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return
	}
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-exitCh:
	case <-time.After(containerdStopTimeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return
		}
		select {
		case <-exitCh:
		case <-time.After(containerdStopTimeout):
		}
	}
}

// withResources maps the launch spec's limit quantities onto the OCI linux
// resource block. Requests have no cgroup equivalent on a single node and
// are ignored; empty limits leave the runtime defaults in place.
func withResources(launch LaunchSpec) (oci.SpecOpts, error) {
	var memLimit, cpuQuota int64
	if launch.MemoryLimit != "" {
		q, err := resource.ParseQuantity(launch.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", launch.MemoryLimit, err)
		}
		memLimit = q.Value()
	}
	if launch.CPULimit != "" {
		q, err := resource.ParseQuantity(launch.CPULimit)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu limit %q: %w", launch.CPULimit, err)
		}
		cpuQuota = q.MilliValue() * cfsPeriodUs / 1000
	}

	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if memLimit == 0 && cpuQuota == 0 {
			return nil
		}
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if memLimit > 0 {
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &memLimit}
		}
		if cpuQuota > 0 {
			period := uint64(cfsPeriodUs)
			s.Linux.Resources.CPU = &specs.LinuxCPU{Quota: &cpuQuota, Period: &period}
		}
		return nil
	}, nil
}

// taskPhase maps the container's task status to a Phase. A container with no
// task is either between create and start or already swept; both read as
// unknown and fall under the reaper grace.
func taskPhase(ctx context.Context, container containerd.Container) (Phase, time.Time) {
	task, err := container.Task(ctx, nil)
	if err != nil {
		return PhaseUnknown, time.Time{}
	}
	status, err := task.Status(ctx)
	if err != nil {
		return PhaseUnknown, time.Time{}
	}
	switch status.Status {
	case containerd.Created, containerd.Running, containerd.Pausing, containerd.Paused:
		return PhaseActive, time.Time{}
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return PhaseSucceeded, status.ExitTime
		}
		return PhaseFailed, status.ExitTime
	default:
		return PhaseUnknown, time.Time{}
	}
}
