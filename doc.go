// Package quasar exports MongoDB collections into BigQuery tables as
// append-only version histories.
//
// # Overview
//
// Every export request names a source profile, a database and collection
// inside it, and a target profile. Together these identify a pipeline.
// Each registered job covers a time window that starts where the last
// successful job of the same pipeline ended, so consecutive jobs cover the
// timeline without gaps or overlaps.
//
// Jobs are appended to a per-pipeline Kafka topic and executed strictly in
// order by the dispatcher, one at a time per pipeline and concurrently
// across pipelines. Each execution:
//
//  1. Reads the documents whose effective time falls into the window
//  2. Encodes them as rows and streams them into a staging table
//  3. Merges new versions into the main table, skipping rows whose hash
//     already matches the latest stored version
//  4. Drops the staging table
//
// Failed attempts are retried according to the job's settings. Once all
// attempts are exhausted the job is marked as failed and the next job of
// the pipeline picks up the same window start.
//
// # Layout
//
//	cmd/quasar          CLI: serve, register, jobs, migrate, config, version
//	internal/store      job registry and window bookkeeping (MongoDB)
//	internal/pipeline   per-pipeline dispatcher
//	internal/worker     single export attempt
//	internal/exporter   registration and listing facade
//	pkg/broker          ordered job log (Kafka, in-memory)
//	pkg/source          document reader (MongoDB, in-memory)
//	pkg/warehouse       table client (BigQuery, in-memory)
//	pkg/rowcodec        document to row encoding
//	pkg/retry           bounded retry engine
//
// # Quick Start
//
//	quasar migrate
//	quasar serve --metrics-addr :9090
//	quasar register -f export.yaml
//	quasar jobs --status error
package quasar
