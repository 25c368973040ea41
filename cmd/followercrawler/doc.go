// Package main hosts the followercrawler binary: one controller process and
// any number of worker processes that together walk a follower graph.
//
// Architecture overview:
//   - Controller: owns the durable identifier queue (internal/queue/disk), the
//     success and failure result logs (internal/resultlog) and the scheduler
//     (internal/controller). Workers connect over TCP; every message is signed
//     with the shared secret and checked against a nonce ledger
//     (internal/protocol). Compressed segments are optionally archived to GCS
//     or a local directory and announced on Pub/Sub; status checkpoints are
//     optionally recorded in Postgres. An ops HTTP server exposes /healthz,
//     /readyz, /metrics and /v1/status.
//   - Worker: registers with its crawl account, receives batches of ids and
//     crawls them with a bounded pool (internal/agent), paced to the account's
//     hourly budget (internal/policy/ratelimit). Pages are fetched with Colly
//     (internal/fetcher/colly). Results stream back as they complete. After a
//     connection loss the worker re-registers after worker.reconnect_delay.
//
// Quick checklist:
//   - Set FOLLOWERS_PROTOCOL_SECRET identically on both roles.
//   - Controller: followercrawler controller 4000 12 log/crawl
//   - Worker: followercrawler worker controller.host 4000 username password
package main
