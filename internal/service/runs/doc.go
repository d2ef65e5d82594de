// Package runs owns the pipeline run lifecycle around execution.
//
// Runs are created pending with a seed log line and an immutable step
// selection; the execution engine moves them pending -> running ->
// completed | failed. Terminal runs never change status. Deletion is
// refused while a run is running and otherwise cascades the run's build
// outputs, removing stored archives and locally built images.
package runs
