// Package controller coordinates a crawl from the controller side: it accepts
// worker registrations, keeps one Session per connected worker and runs the
// Scheduler loop that moves identifiers between the durable queue, the
// workers and the result logs.
//
// The Scheduler goroutine is the only writer of the queue, the membership
// sets and the logs. Sessions own their connection and exchange batches with
// the Scheduler through their own locked buffers.
package controller
