// Package runner supervises many replication slots concurrently (§4.7):
// it groups slots by worker, retries a failed slot with exponential
// backoff, emits a periodic liveness ping to keep slots from going
// idle, and shuts every slot down in order on SIGINT/SIGTERM.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"pgcdc/relation"
	"pgcdc/replicator"
	"pgcdc/watcher"
)

// livenessInterval is the fixed 20s liveness-ping cadence (§4.7).
const livenessInterval = 20 * time.Second

// DSNResolver returns the replication and metadata connection strings
// for a named slot. The host application owns how those are derived
// from its own configuration store (§6); Runner only consumes them.
type DSNResolver func(slotName string, cfg SlotConfig) (replicationDSN, metadataDSN string)

// Runner supervises every slot in a Config.
type Runner struct {
	Config     *Config
	Registry   *Registry
	ResolveDSN DSNResolver
	Logger     *logrus.Logger

	// LivenessDSN is a plain (non-replication) DSN used to emit the
	// periodic wal_ping logical message. Required whenever any slot is
	// running, since every publication's stream stalls without it.
	LivenessDSN string

	// BeforeFork runs once in the parent, immediately before any child
	// process is spawned for a non-default worker group; a host
	// application uses it to close pooled resources it does not want
	// inherited across the exec. AfterFork runs in each child, after
	// re-registering watcher factories but before any slot in that
	// child's group connects.
	BeforeFork func(ctx context.Context) error
	AfterFork  func(ctx context.Context) error

	// ConfigPath re-launches this same binary for a non-default worker
	// group via "<exe> run-group --config=<ConfigPath> --group=<name>".
	// Required only when the configuration partitions slots into more
	// than one worker group.
	ConfigPath string

	mu       sync.Mutex
	children []*exec.Cmd
}

func (r *Runner) logger() *logrus.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

// Run starts every configured slot and blocks until ctx is canceled or
// a SIGINT/SIGTERM arrives, then shuts down in order. With a single
// worker group it runs every slot in this process; with more than one,
// it spawns one child process per non-default group and runs the
// default group (if any) itself.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	groups := groupSlots(r.Config)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runLiveness(ctx)
	}()

	if len(groups) <= 1 {
		for name, slots := range groups {
			r.runGroupInProcess(ctx, name, slots)
		}
		wg.Wait()
		return nil
	}

	if r.BeforeFork != nil {
		if err := r.BeforeFork(ctx); err != nil {
			return fmt.Errorf("runner: before-fork hook: %w", err)
		}
	}
	for name := range groups {
		if name == "default" {
			continue
		}
		if err := r.spawnGroup(ctx, name); err != nil {
			return fmt.Errorf("runner: spawn group %q: %w", name, err)
		}
	}
	if slots, ok := groups["default"]; ok {
		r.runGroupInProcess(ctx, "default", slots)
	}

	<-ctx.Done()
	r.terminateChildren()
	wg.Wait()
	return nil
}

// RunGroup runs exactly one worker group's slots in the current
// process. It is the entry point a spawned child's "run-group"
// subcommand calls after AfterFork.
func (r *Runner) RunGroup(ctx context.Context, group string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if r.AfterFork != nil {
		if err := r.AfterFork(ctx); err != nil {
			return fmt.Errorf("runner: after-fork hook: %w", err)
		}
	}
	slots := groupSlots(r.Config)[group]
	r.runGroupInProcess(ctx, group, slots)
	return nil
}

func (r *Runner) runGroupInProcess(ctx context.Context, group string, slotNames []string) {
	var wg sync.WaitGroup
	for _, name := range slotNames {
		name, cfg := name, r.Config.Slots[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.superviseSlot(ctx, name, cfg)
		}()
	}
	log := r.logger().WithField("group", group)
	log.Info("runner: group started")
	wg.Wait()
	log.Info("runner: group stopped")
}

func (r *Runner) spawnGroup(ctx context.Context, group string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, exe, "run-group", "--config", r.ConfigPath, "--group", group)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	r.mu.Lock()
	r.children = append(r.children, cmd)
	r.mu.Unlock()
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

func (r *Runner) terminateChildren() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.children {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

// superviseSlot runs one slot to completion, applying §4.7's retry
// policy: any error except an "invalid configuration" one is retried
// with backoff up to Retries attempts (0 meaning unbounded); a normal
// return restarts too when AutoRestart is true.
func (r *Runner) superviseSlot(ctx context.Context, name string, cfg SlotConfig) {
	log := r.logger().WithField("slot", name)

	for {
		if ctx.Err() != nil {
			return
		}

		var b backoff.BackOff = newFormulaBackOff(cfg)
		if cfg.Retries > 0 {
			b = backoff.WithMaxRetries(b, uint64(cfg.Retries))
		}
		b = backoff.WithContext(b, ctx)

		err := backoff.RetryNotify(func() error {
			return r.runSlotOnce(ctx, name, cfg)
		}, b, func(err error, delay time.Duration) {
			log.WithError(err).WithField("retry_in", delay).Warn("runner: slot failed, retrying")
		})

		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				log.WithError(perm.Err).Error("runner: slot failed with a non-retriable error, exiting")
			} else {
				log.WithError(err).Error("runner: slot exhausted its retry budget, exiting")
			}
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return
		}

		log.Info("runner: slot stopped cleanly")
		if !cfg.autoRestart() {
			return
		}

		delay := newFormulaBackOff(cfg).NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runSlotOnce builds and runs a single Replicator instance for one
// slot, classifying configuration errors (invalid watcher name, failed
// Config.Validate) as backoff.Permanent per §7's "Invalid
// configuration" edge case.
func (r *Runner) runSlotOnce(ctx context.Context, name string, cfg SlotConfig) error {
	factory, err := r.Registry.lookup(cfg.Watcher)
	if err != nil {
		return backoff.Permanent(err)
	}
	w, err := factory(name, cfg)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("runner: slot %q: build watcher: %w", name, err))
	}

	replicationDSN, metadataDSN := cfg.ReplicationDSN, cfg.MetadataDSN
	if r.ResolveDSN != nil {
		replicationDSN, metadataDSN = r.ResolveDSN(name, cfg)
	}

	rcfg := replicator.Config{
		ReplicationDSN: replicationDSN,
		MetadataDSN:    metadataDSN,
		SlotName:       effectiveSlotName(name, cfg),
		TemporarySlot:  cfg.Temporary,
		Publications:   cfg.Publications,
	}

	connectMetadata := relation.MetadataConnector(func(ctx context.Context) (*pgx.Conn, error) {
		return pgx.Connect(ctx, metadataDSN)
	})

	rep, err := replicator.New(rcfg, watcher.NewLoggingWatcher(w, r.logger()), connectMetadata, r.logger())
	if err != nil {
		return backoff.Permanent(fmt.Errorf("runner: slot %q: %w", name, err))
	}
	return rep.Run(ctx)
}

// effectiveSlotName appends an 8-character random suffix to name for
// temporary slots (§4.7), recomputed on every call since a temporary
// slot no longer exists by the time a failed run is retried.
func effectiveSlotName(name string, cfg SlotConfig) string {
	if !cfg.Temporary {
		return name
	}
	return name + "_" + uuid.NewString()[:8]
}

// runLiveness emits pg_logical_emit_message(true, 'wal_ping', '{}')
// every 20 seconds over a plain connection, advancing every slot's
// stream even when no application traffic is flowing (§4.7).
func (r *Runner) runLiveness(ctx context.Context) {
	if r.LivenessDSN == "" {
		return
	}
	log := r.logger()
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ping(ctx); err != nil {
				log.WithError(err).Warn("runner: liveness ping failed")
			}
		}
	}
}

func (r *Runner) ping(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, r.LivenessDSN)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `SELECT pg_logical_emit_message(true, 'wal_ping', '{}')`)
	return err
}
