/*
Package versisect provides a Go interface for finding the version of a runtime which introduced a change in behavior.

A change is reproduced by a fiddle, a small code sample which is run against different versions of the runtime.
Work is described by a [Task]: a [TestTask] runs a fiddle once, a [BisectTask] binary searches the versions between a good and a bad version.
Tasks are executed by an [Orchestrator], which needs at least the following fields to be populated:
  - Catalog, usually created using [LoadCatalog] or [FetchCatalog], or a CatalogLoader creating it per task
  - Executor, e.g. a [ProcessExecutor] or a [DockerExecutor]

[Orchestrator.Run] dispatches one run at a time to the executor.
Executors report a run's output lines and its [RunResult] as events, which the orchestrator prints and feeds into a [Bisection].
Runs with an invalid result are never used as evidence, their versions are skipped instead.

[Orchestrator.Run] returns the task's exit code.
For test tasks, it is 0 if the run succeeded, 1 if it failed and 2 if it was invalid.
For bisect tasks, it is 0 whenever the bisection found a bracket of adjacent good and bad versions, even though the bad version of course failed,
and 2 if the bisection was inconclusive.
*/
package versisect
