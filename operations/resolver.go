package operations

import (
	"fmt"
)

// SortByDependencies resolves a total execution order for the sequential
// engines. The input must already be in discovery (timestamp) order; among
// operations with no edge between them the input order is preserved by
// always emitting the earliest runnable operation next.
//
// The whole set is validated before any order is produced: duplicate
// identities, dangling dependency references and cycles all fail with a
// ConfigurationError and never yield a partial order.
func SortByDependencies(descs []Descriptor) ([]Descriptor, error) {
	idx, err := validateGraph(descs)
	if err != nil {
		return nil, err
	}

	emitted := make([]bool, len(descs))
	ordered := make([]Descriptor, 0, len(descs))

	for len(ordered) < len(descs) {
		for i, d := range descs {
			if emitted[i] {
				continue
			}
			runnable := true
			for _, dep := range d.DependsOn {
				if !emitted[idx[dep]] {
					runnable = false
					break
				}
			}
			if runnable {
				emitted[i] = true
				ordered = append(ordered, d)
				break
			}
		}
	}

	return ordered, nil
}

// PartitionIntoWaves groups the discovered set into the minimal sequence of
// waves such that every operation lands strictly after all of its
// dependencies (longest-path layering). Within a wave the discovery order is
// preserved. Validation semantics match SortByDependencies.
func PartitionIntoWaves(descs []Descriptor) ([][]Descriptor, error) {
	idx, err := validateGraph(descs)
	if err != nil {
		return nil, err
	}

	levels := make([]int, len(descs))
	for i := range levels {
		levels[i] = -1
	}

	var levelOf func(i int) int
	levelOf = func(i int) int {
		if levels[i] >= 0 {
			return levels[i]
		}
		level := 0
		for _, dep := range descs[i].DependsOn {
			if l := levelOf(idx[dep]) + 1; l > level {
				level = l
			}
		}
		levels[i] = level

		return level
	}

	maxLevel := 0
	for i := range descs {
		if l := levelOf(i); l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([][]Descriptor, maxLevel+1)
	for i, d := range descs {
		waves[levels[i]] = append(waves[levels[i]], d)
	}

	return waves, nil
}

// validateGraph checks identity uniqueness, dangling references and
// acyclicity over the entire set before anything executes. It returns the
// identity -> input position index.
func validateGraph(descs []Descriptor) (map[string]int, error) {
	idx := make(map[string]int, len(descs))
	for i, d := range descs {
		id := d.Identity()
		if _, ok := idx[id]; ok {
			return nil, fmt.Errorf("%w: duplicate operation identity %q", ErrConfiguration, id)
		}
		idx[id] = i
	}

	dangling := make(map[string][]string)
	for _, d := range descs {
		for _, dep := range d.DependsOn {
			if _, ok := idx[dep]; !ok {
				dangling[d.Identity()] = append(dangling[d.Identity()], dep)
			}
		}
	}
	if len(dangling) > 0 {
		return nil, &DanglingDependencyError{References: dangling}
	}

	// Depth-first cycle check: a back-edge into a node still being visited
	// means the graph is not a DAG.
	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make([]int, len(descs))

	var visit func(i int) error
	visit = func(i int) error {
		switch marks[i] {
		case visited:
			return nil
		case visiting:
			return &CircularDependencyError{Member: descs[i].Identity()}
		}
		marks[i] = visiting
		for _, dep := range descs[i].DependsOn {
			if err := visit(idx[dep]); err != nil {
				return err
			}
		}
		marks[i] = visited

		return nil
	}

	for i := range descs {
		if err := visit(i); err != nil {
			return nil, err
		}
	}

	return idx, nil
}
