// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
Package history records finished generations in a relational database.

Store implements generation.Recorder: the orchestrator reports one
RunSummary per generation (completed, failed, cancelled or superseded) and
Store writes it to the run_records table through gorm. The schema is owned
by the SQL migrations in internal/migration; AutoMigrate exists for sqlite
development setups.
*/
package history
