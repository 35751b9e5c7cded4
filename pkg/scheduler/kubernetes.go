package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/moosh3/mindloom/pkg/log"
)

const (
	jobBackoffLimit   int32 = 1
	jobTTLAfterFinish int32 = 3600

	workerContainerName = "worker"
)

// KubeScheduler launches workers as one-shot batch/v1 Jobs. The Job name is
// the deterministic worker name, backoffLimit is 1 and finished Jobs carry a
// ttlSecondsAfterFinished so the cluster garbage-collects stragglers even if
// the cleanup sweep never runs.
type KubeScheduler struct {
	client    kubernetes.Interface
	namespace string
	logger    zerolog.Logger
}

// NewKubeScheduler wraps an existing clientset. The namespace is where every
// worker Job lives.
func NewKubeScheduler(client kubernetes.Interface, namespace string) *KubeScheduler {
	return &KubeScheduler{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("scheduler"),
	}
}

func (s *KubeScheduler) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	name := WorkerName(spec.RunID)
	job, err := s.buildJob(name, spec)
	if err != nil {
		return "", Permanent(err)
	}

	_, err = s.client.BatchV1().Jobs(s.namespace).Create(ctx, job, metav1.CreateOptions{})
	switch {
	case err == nil:
		s.logger.Info().Str("run_id", spec.RunID).Str("job", name).Msg("Launched worker job")
	case apierrors.IsAlreadyExists(err):
		s.logger.Debug().Str("run_id", spec.RunID).Str("job", name).Msg("Worker job already exists")
	case permanentAPIError(err):
		return "", Permanent(fmt.Errorf("failed to create job %s: %w", name, err))
	default:
		return "", Transient(fmt.Errorf("failed to create job %s: %w", name, err))
	}
	return name, nil
}

func (s *KubeScheduler) Inspect(ctx context.Context, handle string) (Phase, error) {
	job, err := s.client.BatchV1().Jobs(s.namespace).Get(ctx, handle, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return PhaseUnknown, nil
	}
	if err != nil {
		return PhaseUnknown, fmt.Errorf("failed to inspect job %s: %w", handle, err)
	}
	return jobPhase(job), nil
}

func (s *KubeScheduler) Delete(ctx context.Context, handle string) error {
	policy := metav1.DeletePropagationBackground
	err := s.client.BatchV1().Jobs(s.namespace).Delete(ctx, handle, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", handle, err)
	}
	return nil
}

func (s *KubeScheduler) ListRunWorkers(ctx context.Context) ([]WorkerInfo, error) {
	jobs, err := s.client.BatchV1().Jobs(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelApp + "=" + LabelAppValue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list worker jobs: %w", err)
	}

	infos := make([]WorkerInfo, 0, len(jobs.Items))
	for i := range jobs.Items {
		job := &jobs.Items[i]
		infos = append(infos, WorkerInfo{
			Handle:     job.Name,
			RunID:      job.Labels[LabelRunID],
			Phase:      jobPhase(job),
			FinishedAt: jobFinishedAt(job),
		})
	}
	return infos, nil
}

func (s *KubeScheduler) buildJob(name string, spec LaunchSpec) (*batchv1.Job, error) {
	env, err := buildWorkerEnv(spec)
	if err != nil {
		return nil, err
	}
	envVars := make([]corev1.EnvVar, 0, len(env))
	for _, k := range sortedEnvKeys(env) {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: env[k]})
	}

	resources, err := buildResources(spec)
	if err != nil {
		return nil, err
	}

	container := corev1.Container{
		Name:      workerContainerName,
		Image:     spec.Image,
		Command:   []string{"mindloom", "worker"},
		Env:       envVars,
		Resources: resources,
	}
	if spec.SecretRef != "" {
		container.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: spec.SecretRef},
			},
		}}
	}

	labels := workerLabels(spec.RunID)
	backoff := jobBackoffLimit
	ttl := jobTTLAfterFinish
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: spec.ServiceAccount,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}, nil
}

// jobPhase maps Job status to a Phase. The terminal conditions are
// authoritative; pod counters only say a retry may still happen.
func jobPhase(job *batchv1.Job) Phase {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return PhaseSucceeded
		case batchv1.JobFailed:
			return PhaseFailed
		}
	}
	if job.Status.Succeeded > 0 {
		return PhaseSucceeded
	}
	return PhaseActive
}

func jobFinishedAt(job *batchv1.Job) time.Time {
	if job.Status.CompletionTime != nil {
		return job.Status.CompletionTime.Time
	}
	for _, c := range job.Status.Conditions {
		if c.Status == corev1.ConditionTrue && c.Type == batchv1.JobFailed {
			return c.LastTransitionTime.Time
		}
	}
	return time.Time{}
}

// permanentAPIError reports whether the API server rejected the request in a
// way no retry can fix. Everything else, network failures included, stays
// retryable within the launch budget.
func permanentAPIError(err error) bool {
	return apierrors.IsInvalid(err) ||
		apierrors.IsBadRequest(err) ||
		apierrors.IsForbidden(err) ||
		apierrors.IsUnauthorized(err) ||
		apierrors.IsRequestEntityTooLargeError(err) ||
		apierrors.IsMethodNotSupported(err)
}

func buildResources(spec LaunchSpec) (corev1.ResourceRequirements, error) {
	var rr corev1.ResourceRequirements
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}

	set := func(list corev1.ResourceList, name corev1.ResourceName, val string) error {
		if val == "" {
			return nil
		}
		q, err := resource.ParseQuantity(val)
		if err != nil {
			return fmt.Errorf("invalid %s quantity %q: %w", name, val, err)
		}
		list[name] = q
		return nil
	}

	if err := set(requests, corev1.ResourceCPU, spec.CPURequest); err != nil {
		return rr, err
	}
	if err := set(requests, corev1.ResourceMemory, spec.MemoryRequest); err != nil {
		return rr, err
	}
	if err := set(limits, corev1.ResourceCPU, spec.CPULimit); err != nil {
		return rr, err
	}
	if err := set(limits, corev1.ResourceMemory, spec.MemoryLimit); err != nil {
		return rr, err
	}

	if len(requests) > 0 {
		rr.Requests = requests
	}
	if len(limits) > 0 {
		rr.Limits = limits
	}
	return rr, nil
}
