// Package planner partitions the top-level tasks of a spec into waves.
//
// The dependency graph is an arena: task ids are sorted into canonical
// indices and edges are stored as index slices, so every traversal is
// deterministic. Waves are computed by topological peeling: wave 1 holds
// every task with no dependency, wave k every remaining task whose
// dependencies all sit in waves below k.
//
// Within a wave, the produces_hint file sets of each task pair are compared.
// Any shared file marks the wave as not parallelizable, which makes the
// coordinator run it sequentially.
//
// The package is pure. It never touches the store or the filesystem.
package planner
