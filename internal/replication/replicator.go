package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaydoc/internal/docstore"
)

type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

const defaultBatchSize = 200

// ReplicationError reports a failed one-shot replication. Live replication
// logs and retries instead of returning it.
type ReplicationError struct {
	Direction Direction
	Filter    docstore.Filter
	Err       error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("%s replication (%s): %v", e.Direction, e.Filter.Key(), e.Err)
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}

// Batch holds the records one replication run newly applied to its target.
type Batch struct {
	Direction Direction
	Filter    docstore.Filter
	Records   []docstore.Record
	LastSeq   uint64
}

func (b Batch) Objects() docstore.ObjectSet {
	return docstore.GroupByKind(b.Records)
}

type Options struct {
	Local     *docstore.Store
	Remote    Endpoint
	RemoteID  string
	BatchSize int
	Logger    *zap.Logger
}

type Replicator struct {
	local     *docstore.Store
	localEP   *LocalEndpoint
	remote    Endpoint
	remoteID  string
	batchSize int
	logger    *zap.Logger
}

func New(opts Options) (*Replicator, error) {
	if opts.Local == nil {
		return nil, errors.New("local store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote endpoint is required")
	}
	remoteID := opts.RemoteID
	if remoteID == "" {
		if identified, ok := opts.Remote.(interface{ ID() string }); ok {
			remoteID = identified.ID()
		} else {
			remoteID = "remote"
		}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		local:     opts.Local,
		localEP:   NewLocalEndpoint(opts.Local),
		remote:    opts.Remote,
		remoteID:  remoteID,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

func (r *Replicator) Remote() Endpoint { return r.remote }

func (r *Replicator) Local() *docstore.Store { return r.local }

// Pull copies remote changes matching filter into the local store and
// returns only the records that were new locally.
func (r *Replicator) Pull(ctx context.Context, filter docstore.Filter) (Batch, error) {
	batch, err := r.replicate(ctx, DirectionPull, r.remote, r.localEP, filter)
	if err != nil {
		ReplicationFailures.WithLabelValues(string(DirectionPull)).Inc()
		return batch, &ReplicationError{Direction: DirectionPull, Filter: filter, Err: err}
	}
	return batch, nil
}

func (r *Replicator) Push(ctx context.Context, filter docstore.Filter) error {
	if _, err := r.replicate(ctx, DirectionPush, r.localEP, r.remote, filter); err != nil {
		ReplicationFailures.WithLabelValues(string(DirectionPush)).Inc()
		return &ReplicationError{Direction: DirectionPush, Filter: filter, Err: err}
	}
	return nil
}

func (r *Replicator) checkpointKey(direction Direction, filter docstore.Filter) string {
	return string(direction) + ":" + r.remoteID + ":" + filter.Key()
}

func (r *Replicator) replicate(ctx context.Context, direction Direction, source, target Endpoint, filter docstore.Filter) (Batch, error) {
	batch := Batch{Direction: direction, Filter: filter}
	if err := filter.Validate(); err != nil {
		return batch, err
	}
	key := r.checkpointKey(direction, filter)
	var since uint64
	if raw, ok := r.local.Checkpoint(key); ok {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			r.logger.Warn("ignoring malformed checkpoint", zap.String("key", key), zap.String("value", raw))
		} else {
			since = parsed
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		feed, err := source.Changes(ctx, docstore.ChangesRequest{Since: since, Limit: r.batchSize, Filter: filter})
		if err != nil {
			return batch, fmt.Errorf("read changes: %w", err)
		}
		if len(feed.Results) > 0 {
			offered := make(map[string][]string, len(feed.Results))
			for _, change := range feed.Results {
				offered[change.ID] = change.Revs
			}
			missing, err := target.RevsDiff(ctx, offered)
			if err != nil {
				return batch, fmt.Errorf("revs diff: %w", err)
			}
			if len(missing) > 0 {
				revisions, err := source.BulkGet(ctx, missing)
				if err != nil {
					return batch, fmt.Errorf("fetch revisions: %w", err)
				}
				applied, err := target.BulkReplicate(ctx, revisions)
				batch.Records = append(batch.Records, applied...)
				RecordsReplicated.WithLabelValues(string(direction)).Add(float64(len(applied)))
				if err != nil {
					return batch, fmt.Errorf("write revisions: %w", err)
				}
			}
		}
		if feed.LastSeq != since {
			since = feed.LastSeq
			if err := r.local.SetCheckpoint(key, strconv.FormatUint(since, 10)); err != nil {
				return batch, err
			}
		}
		batch.LastSeq = since
		if !feed.Pending {
			break
		}
	}
	if len(batch.Records) > 0 {
		r.logger.Debug("replicated",
			zap.String("direction", string(direction)),
			zap.String("filter", filter.Key()),
			zap.Int("records", len(batch.Records)),
			zap.Uint64("seq", batch.LastSeq))
	}
	return batch, nil
}
