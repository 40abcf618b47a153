// Package versions implements the version ledger: the append-only history of
// every output a job has produced.
package versions

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/go-test/deep"
	"github.com/rossigee/imageflow/internal/metrics"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
)

// Store is the version persistence the ledger depends on
type Store interface {
	AppendVersion(ctx context.Context, jobID, outputRef string, params map[string]interface{}, note string) (*types.Version, error)
	ListVersions(ctx context.Context, jobID string) ([]types.Version, error)
	GetVersion(ctx context.Context, jobID string, version int) (*types.Version, error)
	RestoreVersion(ctx context.Context, jobID string, version int, note string) (*types.Job, *types.Version, error)
	DeleteVersion(ctx context.Context, jobID string, version int) error
	SetVersionNote(ctx context.Context, jobID string, version int, note string) (*types.Version, error)
}

// Ledger records and manages job output revisions
type Ledger struct {
	store   Store
	metrics *metrics.Collectors
}

// NewLedger creates a new version ledger
func NewLedger(store Store, collectors *metrics.Collectors) *Ledger {
	return &Ledger{
		store:   store,
		metrics: collectors,
	}
}

// Append records a new version of a job's output
func (l *Ledger) Append(ctx context.Context, jobID, outputRef string, params map[string]interface{}, note string) (*types.Version, error) {
	if outputRef == "" {
		return nil, fmt.Errorf("version output reference is required")
	}

	v, err := l.store.AppendVersion(ctx, jobID, outputRef, params, note)
	if err != nil {
		return nil, err
	}

	l.metrics.ObserveVersion()
	logrus.WithFields(logrus.Fields{
		"job_id":  jobID,
		"version": v.Version,
	}).Debug("Appended version")

	return v, nil
}

// List returns all versions of a job, highest first
func (l *Ledger) List(ctx context.Context, jobID string) ([]types.Version, error) {
	versions, err := l.store.ListVersions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []types.Version{}
	}
	return versions, nil
}

// Get returns one version of a job
func (l *Ledger) Get(ctx context.Context, jobID string, version int) (*types.Version, error) {
	return l.store.GetVersion(ctx, jobID, version)
}

// Restore makes an earlier version the job's current output by appending a
// copy of it as the newest version
func (l *Ledger) Restore(ctx context.Context, jobID string, version int) (*types.Job, error) {
	job, restored, err := l.store.RestoreVersion(ctx, jobID, version, RestoreNote(version))
	if err != nil {
		return nil, err
	}

	l.metrics.ObserveVersion()
	logrus.WithFields(logrus.Fields{
		"job_id":       jobID,
		"from_version": version,
		"new_version":  restored.Version,
	}).Info("Restored job version")

	return job, nil
}

// Delete removes a version. The only remaining version of a job cannot be removed.
func (l *Ledger) Delete(ctx context.Context, jobID string, version int) error {
	if err := l.store.DeleteVersion(ctx, jobID, version); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"job_id":  jobID,
		"version": version,
	}).Info("Deleted job version")
	return nil
}

// AddNote sets the note of an existing version without creating a new one
func (l *Ledger) AddNote(ctx context.Context, jobID string, version int, note string) (*types.Version, error) {
	return l.store.SetVersionNote(ctx, jobID, version, note)
}

// Compare reports the time between two versions and whether their parameter
// sets differ structurally. Key order never matters.
func (l *Ledger) Compare(ctx context.Context, jobID string, v1, v2 int) (*types.VersionComparison, error) {
	first, err := l.store.GetVersion(ctx, jobID, v1)
	if err != nil {
		return nil, err
	}
	second, err := l.store.GetVersion(ctx, jobID, v2)
	if err != nil {
		return nil, err
	}

	a, b := normalize(first.Parameters), normalize(second.Parameters)
	differ := !reflect.DeepEqual(a, b)
	diff := deep.Equal(a, b)
	if differ && len(diff) == 0 {
		// deep rounds floats; name the keys it could not tell apart
		diff = changedKeys(a, b)
	}

	return &types.VersionComparison{
		Version1:         *first,
		Version2:         *second,
		TimeDelta:        second.CreatedAt.Sub(first.CreatedAt),
		ParametersDiffer: differ,
		Differences:      diff,
	}, nil
}

// RestoreNote is the note recorded on a version created by a restore
func RestoreNote(version int) string {
	return fmt.Sprintf("restored from version %d", version)
}

func changedKeys(a, b map[string]interface{}) []string {
	var out []string
	for key, av := range a {
		if bv, ok := b[key]; !ok || !reflect.DeepEqual(av, bv) {
			out = append(out, fmt.Sprintf("map[%s]: %v != %v", key, av, b[key]))
		}
	}
	for key, bv := range b {
		if _, ok := a[key]; !ok {
			out = append(out, fmt.Sprintf("map[%s]: <nil> != %v", key, bv))
		}
	}
	sort.Strings(out)
	return out
}

func normalize(params types.Parameters) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	return params
}
