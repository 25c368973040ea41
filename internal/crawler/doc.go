// Package crawler defines the core types shared by the controller and the
// worker agent: account identifiers, crawl outcomes, per-account results and
// the narrow interfaces the rest of the system depends on.
package crawler
