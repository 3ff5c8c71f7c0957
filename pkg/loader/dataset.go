// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loader

import (
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/accessatlas/internal/workerspool"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset yields batches of examples of a manifest split. It implements train.Dataset.
//
// Each batch yields:
//
//   - inputs: images shaped [batch_size, size, size, 3] (float32 in [0, 1]), normalized coordinates
//     shaped [batch_size, 2] and the one-hot encoded source shaped [batch_size, num_sources].
//   - labels: the class indices shaped [batch_size, 1] (int32).
//
// Batches are loaded in the background, up to Prefetch batches ahead, and the images of each batch
// are decoded in parallel. The order of the batches is always preserved, and in Train mode the
// augmentation of each example only depends on the seed, the epoch and its row: results don't depend
// on the number of workers.
type Dataset struct {
	name           string
	loader         *Loader
	records        []manifest.Record
	mode           Mode
	batchSize      int
	dropIncomplete bool
	seed           uint64
	prefetch       int
	pool           *workerspool.Pool

	mu       sync.Mutex
	epoch    int
	producer *producer
}

// Assert Dataset is a train.Dataset.
var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the records. Configure it further with the other methods
// before the first call to Yield.
//
// By default, it uses 4 workers, a prefetch of 8 batches and the last incomplete batch is dropped
// in Train mode only.
func (l *Loader) NewDataset(name string, records []manifest.Record, mode Mode, batchSize int) *Dataset {
	return &Dataset{
		name:           name,
		loader:         l,
		records:        records,
		mode:           mode,
		batchSize:      batchSize,
		dropIncomplete: mode == Train,
		prefetch:       8,
		pool:           workerspool.New(4),
	}
}

// Seed for the shuffling and augmentations.
func (ds *Dataset) Seed(seed int64) *Dataset {
	ds.seed = uint64(seed)
	return ds
}

// Workers sets the number of images decoded in parallel. 0 decodes them inline.
func (ds *Dataset) Workers(n int) *Dataset {
	ds.pool = workerspool.New(n)
	return ds
}

// Prefetch sets the number of batches loaded ahead of Yield. It must be at least 1.
func (ds *Dataset) Prefetch(n int) *Dataset {
	ds.prefetch = max(n, 1)
	return ds
}

// DropIncomplete configures whether the last batch of an epoch is dropped if it is smaller than the batch size.
func (ds *Dataset) DropIncomplete(drop bool) *Dataset {
	ds.dropIncomplete = drop
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Mode of the dataset.
func (ds *Dataset) Mode() Mode { return ds.mode }

// Records returns the records of the dataset, in manifest order.
func (ds *Dataset) Records() []manifest.Record { return ds.records }

// NumBatches returns the number of batches yielded per epoch.
func (ds *Dataset) NumBatches() int {
	if ds.dropIncomplete {
		return len(ds.records) / ds.batchSize
	}
	return (len(ds.records) + ds.batchSize - 1) / ds.batchSize
}

// Epoch returns the current epoch.
func (ds *Dataset) Epoch() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.epoch
}

// SetEpoch sets the epoch, which selects the shuffling and augmentations, and restarts the dataset.
func (ds *Dataset) SetEpoch(epoch int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.stopLocked()
	ds.epoch = epoch
}

// Reset implements train.Dataset. It restarts the current epoch: the same batches are yielded again.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.stopLocked()
}

// Close stops the background loading. It's safe to call it more than once, and the dataset can be used again afterward.
func (ds *Dataset) Close() {
	ds.Reset()
}

// Yield implements train.Dataset. spec is always nil.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.producer == nil {
		ds.producer = ds.startProducer(ds.order(), ds.epoch)
	}
	p := ds.producer
	ds.mu.Unlock()

	future, ok := <-p.queue
	if !ok {
		err = io.EOF
		return
	}
	<-future.done
	if future.err != nil {
		err = errors.WithMessagef(future.err, "dataset %q, epoch %d", ds.name, p.epoch)
		return
	}
	inputs, labels = future.inputs, future.labels
	return
}

// order returns the indices of the records in the order they are yielded for the current epoch.
func (ds *Dataset) order() []int {
	order := make([]int, len(ds.records))
	for ii := range order {
		order[ii] = ii
	}
	if ds.mode == Train {
		rng := rand.New(rand.NewPCG(ds.seed, uint64(ds.epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

// exampleRNG returns the random number generator for the augmentation of the record in the epoch.
func (ds *Dataset) exampleRNG(rec manifest.Record, epoch int) *rand.Rand {
	return rand.New(rand.NewPCG(ds.seed+uint64(epoch), uint64(rec.Row)))
}

// batchFuture is a batch being loaded. done is closed when it's ready.
type batchFuture struct {
	done           chan struct{}
	inputs, labels []*tensors.Tensor
	err            error
}

// producer loads the batches of one epoch in the background.
type producer struct {
	epoch    int
	queue    chan *batchFuture
	stop     chan struct{}
	finished chan struct{}
}

func (ds *Dataset) startProducer(order []int, epoch int) *producer {
	p := &producer{
		epoch:    epoch,
		queue:    make(chan *batchFuture, ds.prefetch),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	numBatches := ds.NumBatches()
	go func() {
		defer close(p.finished)
		defer close(p.queue)
		for batchIdx := range numBatches {
			start := batchIdx * ds.batchSize
			end := min(start+ds.batchSize, len(order))
			future := &batchFuture{done: make(chan struct{})}
			go func() {
				defer close(future.done)
				future.inputs, future.labels, future.err = ds.loadBatch(order[start:end], epoch)
			}()
			select {
			case p.queue <- future:
			case <-p.stop:
				<-future.done
				finalizeFuture(future)
				return
			}
		}
	}()
	return p
}

// stopLocked stops the current producer, if any, and frees the batches already loaded. ds.mu must be locked.
func (ds *Dataset) stopLocked() {
	p := ds.producer
	if p == nil {
		return
	}
	ds.producer = nil
	close(p.stop)
	<-p.finished
	for future := range p.queue {
		<-future.done
		finalizeFuture(future)
	}
}

func finalizeFuture(future *batchFuture) {
	if future.err != nil {
		return
	}
	for _, t := range append(future.inputs, future.labels...) {
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("failed to free prefetched batch: %+v", err)
		}
	}
}

// loadBatch loads the examples of the records with the given indices.
func (ds *Dataset) loadBatch(indices []int, epoch int) (inputs, labels []*tensors.Tensor, err error) {
	examples := make([]*Example, len(indices))
	err = ds.pool.Map(len(indices), func(ii int) error {
		rec := ds.records[indices[ii]]
		var rng *rand.Rand
		if ds.mode == Train {
			rng = ds.exampleRNG(rec, epoch)
		}
		var loadErr error
		examples[ii], loadErr = ds.loader.Load(rec, ds.mode, rng)
		return loadErr
	})
	if err != nil {
		klog.V(1).Infof("dataset %q failed to load batch: %+v", ds.name, err)
		return nil, nil, err
	}
	inputs, labels = ds.loader.Tensors(examples)
	return
}

// Tensors converts the examples to the batched inputs and labels tensors, as yielded by Dataset.
func (l *Loader) Tensors(examples []*Example) (inputs, labels []*tensors.Tensor) {
	batchSize := len(examples)
	numSources := l.meta.NumSources()
	images := make([]image.Image, batchSize)
	coords := make([]float32, 0, 2*batchSize)
	sources := make([]float32, 0, numSources*batchSize)
	classes := make([]int32, batchSize)
	for ii, ex := range examples {
		images[ii] = ex.Image
		coords = append(coords, ex.Coords[0], ex.Coords[1])
		sources = append(sources, ex.Source...)
		classes[ii] = ex.Label
	}
	inputs = []*tensors.Tensor{
		timage.ToTensor(dtypes.Float32).Batch(images),
		tensors.FromFlatDataAndDimensions(coords, batchSize, 2),
		tensors.FromFlatDataAndDimensions(sources, batchSize, numSources),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(classes, batchSize, 1)}
	return
}

// LoadBatch synchronously loads the records in Eval mode and returns the batched tensors.
func (l *Loader) LoadBatch(records []manifest.Record) (inputs, labels []*tensors.Tensor, err error) {
	if len(records) == 0 {
		return nil, nil, errors.New("LoadBatch requires at least one record")
	}
	examples := make([]*Example, len(records))
	for ii, rec := range records {
		examples[ii], err = l.Load(rec, Eval, nil)
		if err != nil {
			return nil, nil, err
		}
	}
	inputs, labels = l.Tensors(examples)
	return
}

// String implements fmt.Stringer.
func (ds *Dataset) String() string {
	return fmt.Sprintf("Dataset(%q, %s, %d records, batch size %d)", ds.name, ds.mode, len(ds.records), ds.batchSize)
}
