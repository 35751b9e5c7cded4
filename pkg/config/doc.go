/*
Package config loads and validates mindloom configuration.

Configuration is layered: built-in defaults, then an optional YAML file,
then MINDLOOM_* environment variables. Credentialed values (database URL,
redis URL, API tokens) are expected to arrive through the environment,
mounted from secrets, rather than living in the file.

# File Format

	server:
	  listen: ":8080"
	  auth_tokens: ["..."]
	store:
	  driver: postgres            # or bolt
	  database_url: postgres://...
	bus:
	  driver: redis               # or memory
	  redis_url: redis://...
	  result_channel_buffer: 1024
	stream:
	  client_send_buffer: 64
	  send_timeout: 30s
	launch:
	  retry_budget: 10s
	reaper:
	  period: 30s
	  unknown_grace: 60s
	  election: none              # or kubernetes-lease
	cleanup:
	  interval: 10m
	  completed_age: 10m
	  keep_per_run: 1
	scheduler:
	  driver: kubernetes          # or containerd
	  namespace: default
	worker:
	  image: ghcr.io/moosh3/mindloom-worker:latest
	  engine: echo

# Environment Overrides

Each override maps onto one field, for example MINDLOOM_LISTEN,
MINDLOOM_DATABASE_URL, MINDLOOM_REDIS_URL, MINDLOOM_STORE_DRIVER,
MINDLOOM_WORKER_IMAGE. The worker process is configured exclusively this
way; the scheduler injects the variables when launching it.

# Usage

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
*/
package config
