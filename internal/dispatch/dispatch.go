// Package dispatch partitions a job's calls and fans them out to workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/flotilla/internal/model"
	"github.com/seantiz/flotilla/internal/proxy"
)

// Provisioner supplies fresh, fully ready workers for chunked dispatch.
type Provisioner interface {
	Create(ctx context.Context, nameHint string) (*model.Worker, error)
}

// Dispatcher fans a job's calls out across one or many workers.
type Dispatcher struct {
	prov           Provisioner
	clients        proxy.Factory
	maxConcurrency int
	logger         *slog.Logger

	// monitor, when set, is invoked once per dispatch target so the caller
	// can attach a log streamer to that worker.
	monitor func(jobKey string, w *model.Worker)
}

// New creates a dispatcher. maxConcurrency bounds single-worker fan-out.
func New(prov Provisioner, clients proxy.Factory, maxConcurrency int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		prov:           prov,
		clients:        clients,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// OnWorker registers a callback invoked for every worker a dispatch targets.
func (d *Dispatcher) OnWorker(fn func(jobKey string, w *model.Worker)) {
	d.monitor = fn
}

// Chunks partitions ids into contiguous chunks of the given size. The last
// chunk may be shorter. A non-positive size yields a single chunk.
func Chunks(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(ids)
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}

// RunSingle submits every call of the job concurrently to one pre-existing
// worker, each tagged with its own call id. Parallelism is bounded by the
// dispatcher's concurrency limit. A failed call is logged and does not affect
// its siblings; the first failure is reported after all calls finish.
func (d *Dispatcher) RunSingle(ctx context.Context, w *model.Worker, p *model.Payload) error {
	client, err := d.clients(w)
	if err != nil {
		return fmt.Errorf("proxy client for %s: %w", w.IP, err)
	}
	defer client.Close()

	jobKey := p.JobKey()
	if d.monitor != nil {
		d.monitor(jobKey, w)
	}

	var g errgroup.Group
	g.SetLimit(d.maxConcurrency)

	for i := range p.JobDescription.TotalCalls {
		g.Go(func() error {
			callID := model.CallID(i)
			cp := p.Clone()
			cp.CallIDs = []string{callID}
			cp.DataByteRanges = sliceRanges(p.DataByteRanges, cp.CallIDs)

			actID, err := client.Run(ctx, cp)
			if err != nil {
				d.logger.Error("call dispatch failed",
					"job_key", jobKey, "call_id", callID, "worker", w.IP, "error", err)
				return err
			}
			d.logger.Info("call dispatched",
				"job_key", jobKey, "call_id", callID, "worker", w.IP, "activation_id", actID)
			return nil
		})
	}

	return g.Wait()
}

// ChunkResult records the outcome of one chunk dispatch.
type ChunkResult struct {
	CallIDs      []string
	Worker       *model.Worker
	ActivationID string
	Err          error
}

// RunChunked partitions the job's call ids by its chunk size, provisions one
// fresh worker per chunk, rewrites each payload to carry only its chunk's
// calls and data ranges, and submits all chunks concurrently. A failure in
// one chunk is logged and leaves the others running; no chunk is retried.
func (d *Dispatcher) RunChunked(ctx context.Context, p *model.Payload) ([]ChunkResult, error) {
	chunks := Chunks(p.CallIDs, p.ChunkSize)
	if len(chunks) == 0 {
		return nil, errors.New("job has no calls to dispatch")
	}

	jobKey := p.JobKey()
	results := make([]ChunkResult, len(chunks))

	// One task per chunk; parallelism equals the chunk count.
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.runChunk(ctx, jobKey, chunk, p)
			if res.Err != nil {
				d.logger.Error("chunk dispatch failed",
					"job_key", jobKey, "call_ids", chunk, "error", res.Err)
			} else {
				d.logger.Info("chunk dispatched",
					"job_key", jobKey, "call_ids", chunk,
					"worker", res.Worker.IP, "activation_id", res.ActivationID)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	var errs []error
	for _, res := range results {
		errs = append(errs, res.Err)
	}
	return results, errors.Join(errs...)
}

func (d *Dispatcher) runChunk(ctx context.Context, jobKey string, chunk []string, p *model.Payload) ChunkResult {
	res := ChunkResult{CallIDs: chunk}

	w, err := d.prov.Create(ctx, jobKey)
	if err != nil {
		res.Err = fmt.Errorf("provision worker: %w", err)
		return res
	}
	res.Worker = w

	client, err := d.clients(w)
	if err != nil {
		res.Err = fmt.Errorf("proxy client for %s: %w", w.IP, err)
		return res
	}
	defer client.Close()

	if d.monitor != nil {
		d.monitor(jobKey, w)
	}

	cp := p.Clone()
	cp.CallIDs = chunk
	cp.DataByteRanges = sliceRanges(p.DataByteRanges, chunk)

	actID, err := client.Run(ctx, cp)
	if err != nil {
		res.Err = fmt.Errorf("submit chunk: %w", err)
		return res
	}
	res.ActivationID = actID
	return res
}

// sliceRanges picks the data byte range of each call id out of the full
// per-call list. Call ids index the list by their numeric value.
func sliceRanges(all [][2]int64, callIDs []string) [][2]int64 {
	if all == nil {
		return nil
	}
	ranges := make([][2]int64, 0, len(callIDs))
	for _, id := range callIDs {
		idx, err := strconv.Atoi(id)
		if err != nil || idx < 0 || idx >= len(all) {
			continue
		}
		ranges = append(ranges, all[idx])
	}
	return ranges
}
