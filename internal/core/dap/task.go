// Package dap holds the DAP leader-aggregator domain model: tasks, reports,
// aggregation jobs, report aggregations, batches, batch aggregations,
// collection jobs and leases, plus the error taxonomy of §7.
package dap

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/divviup/ppm-aggregator/internal/crypter"
)

// Role identifies which of the two DAP aggregators this task instance is.
type Role string

const (
	RoleLeader Role = "leader"
	RoleHelper Role = "helper"
)

// QueryType distinguishes time-interval batching from fixed-size batching.
type QueryType string

const (
	QueryTypeTimeInterval QueryType = "time-interval"
	QueryTypeFixedSize    QueryType = "fixed-size"
)

// VdafID names the VDAF kind a task uses. Kept as a string tag rather than a
// generic type parameter: the capability set (internal/core/vdaf) is
// selected once at task-load time and referenced by this id from then on.
type VdafID string

const (
	VdafPrio3Count     VdafID = "prio3count"
	VdafPrio3Sum       VdafID = "prio3sum"
	VdafPrio3Histogram VdafID = "prio3histogram"
	VdafPrio3SumVec    VdafID = "prio3sumvec"
	VdafPoplar1        VdafID = "poplar1"
)

// FixedSizeParams holds the fixed-size-query-specific task parameters.
type FixedSizeParams struct {
	MaxBatchSize    int
	BatchTimeWindow time.Duration // optional; zero means unset
}

// Task is immutable once created except for Expiration (spec.md §3).
type Task struct {
	ID            string // stable task identifier, base64url in the wire protocol
	Role          Role
	VdafID        VdafID
	VdafVerifyKey []byte // AEAD-encrypted at rest

	QueryType     QueryType
	TimePrecision time.Duration // required for time-interval tasks
	FixedSize     FixedSizeParams

	MinBatchSize       int
	MaxBatchQueryCount int

	Expiration      time.Time
	ReportExpiryAge *time.Duration // optional; nil means reports never expire by age

	HelperURL string
	AuthToken []byte // bearer token, AEAD-encrypted at rest

	// Fingerprint is the SHA-256 of the raw task definition file, used the
	// way the teacher's aggregation rules are fingerprinted: to detect a
	// stale in-memory copy after the on-disk/DB definition changes.
	Fingerprint string
}

// Expired reports whether the task's expiration has passed as of now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Expiration.IsZero() && now.After(t.Expiration)
}

// TruncateToPrecision rounds a client timestamp down to the task's time
// precision, per spec.md §3 Report: "client_timestamp (rounded down to
// task's time precision on arrival)".
func (t *Task) TruncateToPrecision(ts time.Time) time.Time {
	if t.TimePrecision <= 0 {
		return ts
	}
	return ts.Truncate(t.TimePrecision)
}

// rawTask is the on-disk YAML shape for bootstrap/dev task loading.
type rawTask struct {
	ID                 string `yaml:"id"`
	Role               string `yaml:"role"`
	Vdaf               string `yaml:"vdaf"`
	QueryType          string `yaml:"query_type"`
	TimePrecision      string `yaml:"time_precision"`
	MaxBatchSize       int    `yaml:"max_batch_size"`
	BatchTimeWindow    string `yaml:"batch_time_window"`
	MinBatchSize       int    `yaml:"min_batch_size"`
	MaxBatchQueryCount int    `yaml:"max_batch_query_count"`
	Expiration         string `yaml:"expiration"`
	ReportExpiryAge    string `yaml:"report_expiry_age"`
	HelperURL          string `yaml:"helper_url"`
	VdafVerifyKey      string `yaml:"vdaf_verify_key"` // base64 ciphertext, sealed by Crypter
	AuthToken          string `yaml:"auth_token"`      // base64 ciphertext, sealed by Crypter
}

// TaskRepository loads Task definitions. FileSystemTaskRepository is the
// only implementation (the Datastore has no task operations), mirroring the
// teacher's FileSystemRuleRepository for aggregation rules.
type TaskRepository interface {
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context) ([]Task, error)
}

// FileSystemTaskRepository loads tasks from *.yaml files in a directory, one
// task per file, eagerly at construction time. No hot reload.
type FileSystemTaskRepository struct {
	dir     string
	crypter *crypter.Crypter // unseals vdaf_verify_key/auth_token; nil leaves both empty
	tasks   map[string]Task
}

// NewFileSystemTaskRepository creates a repository and loads every task file
// under dir, unsealing each task's verify key and auth token with c (nil
// skips both, for dev/test fixtures with neither field set). Returns an
// error if any file is malformed, invalid, or fails to decrypt.
func NewFileSystemTaskRepository(dir string, c *crypter.Crypter) (*FileSystemTaskRepository, error) {
	repo := &FileSystemTaskRepository{dir: dir, crypter: c, tasks: make(map[string]Task)}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemTaskRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no task directory — valid (zero tasks configured)
	}
	if err != nil {
		return fmt.Errorf("task dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("task path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading task dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading task file %s: %w", path, err)
		}

		task, err := parseRawTask(data, r.crypter)
		if err != nil {
			return fmt.Errorf("parsing task file %s: %w", path, err)
		}
		if task.ID == "" {
			continue // skip empty/comment-only files
		}

		if _, exists := r.tasks[task.ID]; exists {
			return fmt.Errorf("task %q: duplicate task id (check multiple YAML files)", task.ID)
		}
		r.tasks[task.ID] = *task
	}
	return nil
}

func parseRawTask(data []byte, c *crypter.Crypter) (*Task, error) {
	var raw rawTask
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.ID == "" {
		return &Task{}, nil
	}

	verifyKey, err := unsealTaskSecret(c, raw.ID, raw.VdafVerifyKey)
	if err != nil {
		return nil, fmt.Errorf("task %q: vdaf_verify_key: %w", raw.ID, err)
	}
	authToken, err := unsealTaskSecret(c, raw.ID, raw.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("task %q: auth_token: %w", raw.ID, err)
	}

	var expiration time.Time
	if raw.Expiration != "" {
		t, err := time.Parse(time.RFC3339, raw.Expiration)
		if err != nil {
			return nil, fmt.Errorf("task %q: invalid expiration %q: %w", raw.ID, raw.Expiration, err)
		}
		expiration = t
	}

	var reportExpiryAge *time.Duration
	if raw.ReportExpiryAge != "" {
		d, err := time.ParseDuration(raw.ReportExpiryAge)
		if err != nil {
			return nil, fmt.Errorf("task %q: invalid report_expiry_age %q: %w", raw.ID, raw.ReportExpiryAge, err)
		}
		reportExpiryAge = &d
	}

	var timePrecision time.Duration
	if raw.TimePrecision != "" {
		d, err := time.ParseDuration(raw.TimePrecision)
		if err != nil {
			return nil, fmt.Errorf("task %q: invalid time_precision %q: %w", raw.ID, raw.TimePrecision, err)
		}
		timePrecision = d
	}

	var batchWindow time.Duration
	if raw.BatchTimeWindow != "" {
		d, err := time.ParseDuration(raw.BatchTimeWindow)
		if err != nil {
			return nil, fmt.Errorf("task %q: invalid batch_time_window %q: %w", raw.ID, raw.BatchTimeWindow, err)
		}
		batchWindow = d
	}

	qt := QueryType(raw.QueryType)
	if qt != QueryTypeTimeInterval && qt != QueryTypeFixedSize {
		return nil, fmt.Errorf("task %q: unsupported query_type %q", raw.ID, raw.QueryType)
	}

	role := Role(raw.Role)
	if role != RoleLeader && role != RoleHelper {
		return nil, fmt.Errorf("task %q: unsupported role %q", raw.ID, raw.Role)
	}

	fingerprint := fmt.Sprintf("%x", sha256.Sum256(data))

	return &Task{
		ID:                 raw.ID,
		Role:               role,
		VdafID:             VdafID(raw.Vdaf),
		QueryType:          qt,
		TimePrecision:      timePrecision,
		FixedSize:          FixedSizeParams{MaxBatchSize: raw.MaxBatchSize, BatchTimeWindow: batchWindow},
		MinBatchSize:       raw.MinBatchSize,
		MaxBatchQueryCount: raw.MaxBatchQueryCount,
		Expiration:         expiration,
		ReportExpiryAge:    reportExpiryAge,
		HelperURL:          raw.HelperURL,
		VdafVerifyKey:      verifyKey,
		AuthToken:          authToken,
		Fingerprint:        fingerprint,
	}, nil
}

// unsealTaskSecret base64-decodes and decrypts one task-file secret column.
// An empty field or a nil crypter (dev/test fixtures) yields nil rather
// than an error.
func unsealTaskSecret(c *crypter.Crypter, taskID, encoded string) ([]byte, error) {
	if encoded == "" || c == nil {
		return nil, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return c.Decrypt(ciphertext, []byte(taskID))
}

// Get returns the task with the given id, or an error if not found.
func (r *FileSystemTaskRepository) Get(_ context.Context, id string) (*Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	return &t, nil
}

// Task is an alias for Get, satisfying the aggregation/collection drivers'
// TaskProvider interface (Task(ctx, id)) alongside TaskRepository's own
// Get/List shape.
func (r *FileSystemTaskRepository) Task(ctx context.Context, id string) (*Task, error) {
	return r.Get(ctx, id)
}

// List returns all loaded tasks.
func (r *FileSystemTaskRepository) List(_ context.Context) ([]Task, error) {
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out, nil
}

// NewJobID generates a fresh random aggregation-job identifier.
func NewJobID() string { return uuid.NewString() }

// NewReportID generates a fresh random report identifier (16 bytes, the DAP
// report-id size, modeled as a UUID since both are 128-bit random values).
func NewReportID() string { return uuid.NewString() }

// NewLeaseToken generates a fresh random lease token.
func NewLeaseToken() string { return uuid.NewString() }
