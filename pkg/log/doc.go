// Package log provides the structured logger shared by every component:
// the poller, dispatcher, workers, remote executors and the stager all
// log through a child logger scoped with log.WithComponent/WithResource.
//
// Initialize once at process start:
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
//
// then derive scoped child loggers as work is picked up:
//
//	l := log.WithComponent("worker.vm.build")
//	l = log.WithOperation(l, "build")
//	l.Info().Int("resource_id", vm.ID).Msg("build started")
//
// Never log the admin/root password fields of a VM record; callers that
// hold a types.VM must scrub them before passing the struct to .Interface().
package log
