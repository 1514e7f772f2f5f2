package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Scenario describes the frames framebench renders.
//
//	frames = 120
//	descending = false
//
//	[[batch]]
//	layer = 0
//	calls = 5000
//	textures = 4
//	tags = ["background"]
//
//	[[ordering]]
//	before = ["background"]
//	after = ["ui"]
type Scenario struct {
	Frames       int            `toml:"frames"`
	Descending   bool           `toml:"descending"`
	MaxBatchSize int            `toml:"max_batch_size"`
	LoseEvery    int            `toml:"lose_every"`
	Batches      []BatchSpec    `toml:"batch"`
	Orderings    []OrderingSpec `toml:"ordering"`
}

// BatchSpec describes one batch added to every frame.
type BatchSpec struct {
	Layer      int      `toml:"layer"`
	Calls      int      `toml:"calls"`
	Textures   int      `toml:"textures"`
	Tags       []string `toml:"tags"`
	SortOrders int      `toml:"sort_orders"`
}

// OrderingSpec is a tag ordering: calls tagged with all of Before sort
// before calls tagged with all of After.
type OrderingSpec struct {
	Before []string `toml:"before"`
	After  []string `toml:"after"`
}

// LoadScenario reads a TOML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc, err := parseScenario(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func parseScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&sc); err != nil {
		var missing *toml.StrictMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("unknown fields:\n%s", missing.String())
		}
		return nil, err
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Frames <= 0 {
		return errors.New("frames must be positive")
	}
	if len(sc.Batches) == 0 {
		return errors.New("at least one [[batch]] is required")
	}
	for i, b := range sc.Batches {
		if b.Calls < 0 {
			return fmt.Errorf("batch %d: negative call count", i)
		}
		if b.Textures <= 0 {
			return fmt.Errorf("batch %d: textures must be positive", i)
		}
	}
	for i, o := range sc.Orderings {
		if len(o.Before) == 0 || len(o.After) == 0 {
			return fmt.Errorf("ordering %d: before and after must name at least one tag", i)
		}
	}
	return nil
}

// defaultScenario spreads calls evenly over batches on separate layers.
func defaultScenario(opts *options) *Scenario {
	sc := &Scenario{
		Frames:       opts.Frames,
		MaxBatchSize: opts.MaxBatchSize,
		LoseEvery:    opts.LoseEvery,
	}
	batches := max(opts.Batches, 1)
	for i := range batches {
		calls := opts.Calls / batches
		if i < opts.Calls%batches {
			calls++
		}
		sc.Batches = append(sc.Batches, BatchSpec{
			Layer:      i,
			Calls:      calls,
			Textures:   max(opts.Textures, 1),
			SortOrders: 4,
		})
	}
	return sc
}
