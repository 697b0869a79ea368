// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

// Package api documents the MeshForge HTTP API. Handlers live in
// api/handlers; routing and middleware are assembled in cmd/meshforge.
//
// # Sessions
//
//	POST   /api/v1/sessions                 create a session
//	GET    /api/v1/sessions                 list sessions held by this process
//	GET    /api/v1/sessions/{id}            session state (falls back to the redis snapshot)
//	DELETE /api/v1/sessions/{id}            cancel and remove a session
//	POST   /api/v1/sessions/{id}/start      {"images":[{"mime_type","data"} | {"url"}]}
//	POST   /api/v1/sessions/{id}/rerun      restart with the last reference set
//	POST   /api/v1/sessions/{id}/cancel     cancel and reset
//	GET    /api/v1/sessions/{id}/stream     websocket of StreamMessage JSON
//	GET    /api/v1/sessions/{id}/runs       run history
//	POST   /api/v1/references/extract       {"url"} -> data URI
//
// # Authentication
//
// When server.api_keys is set every /api route requires the X-API-Key header
// (or ?api_key= when server.allow_query_api_key is on, for websocket
// clients). When jwt.secret or jwt.public_key is set a Bearer token is
// required as well.
//
// # Health
//
//	GET /health, /healthz   liveness
//	GET /ready              redis, database and bucket checks
//	GET /version            build information
//	GET /metrics            prometheus, served on server.metrics_port
package api
