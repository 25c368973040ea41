// Package agent implements the worker process: it registers with the
// controller, crawls the identifiers it is assigned with a bounded pool of
// paced tasks and streams results back as they complete.
package agent
