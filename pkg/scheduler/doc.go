// Package scheduler adapts a container cluster into a launcher for one-shot
// run workers.
//
// The control plane never talks to Kubernetes or containerd directly; it
// goes through the Scheduler interface, which reduces a cluster to four
// verbs:
//
//	Launch(spec)   -> handle     create the worker, idempotent per run
//	Inspect(handle) -> phase     active | succeeded | failed | unknown
//	Delete(handle)               tear down, idempotent
//	ListRunWorkers() -> []info   every labeled worker, finished included
//
// # Idempotent launches
//
// Worker names derive from the run id (WorkerName), so a retried launch
// collides only with itself and AlreadyExists is reported as success with
// the same handle. The coordinator retries Launch within a wall-clock
// budget; errors are typed so it knows when retrying is pointless:
//
//	TransientError  network trouble, API server overload -> retry
//	PermanentError  rejected spec, bad quantity, auth     -> fail the run
//
// # Phases
//
// Inspect deliberately collapses the cluster's richer state into four
// phases. PhaseUnknown covers both "resource not found" and "cannot tell";
// the reaper waits out a grace period before treating a sustained unknown
// as a lost worker, because a freshly created resource may be briefly
// invisible and an informer cache may lag.
//
// # Drivers
//
//	KubeScheduler        batch/v1 Jobs, restartPolicy=Never, backoffLimit=1,
//	                     credentials via envFrom secretRef
//	ContainerdScheduler  container+task on the local node for single-node
//	                     deployments, worker env in the OCI spec
//	Fake                 in-memory driver for tests
//
// Both real drivers stamp the same labels (app=mindloom-run,
// mindloom/run-id={id}) so ListRunWorkers and the cleanup sweep work the
// same way everywhere.
package scheduler
