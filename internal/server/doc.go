// Package server provides the local status server for a tracking session.
//
// The server lets a supervisor or a companion app inspect a running engine
// from another device on the same network. It exposes JSON views of the
// session, Prometheus metrics and a live websocket feed of engine events.
//
// # Endpoints
//
//   - GET / - the embedded dashboard
//   - GET /healthz - liveness and whether tracking is running
//   - POST /auth - exchange the password form value for a bearer token
//   - GET /status - full session snapshot
//   - GET /stats - presence stats (idle/productive minutes and percentages)
//   - GET /proximity - per-task in-range state and the current task
//   - GET /timers - running task countdowns
//   - GET /events/recent?n= - the most recent events, oldest first
//   - POST /pause, POST /resume - suspend or resume position processing
//   - GET /metrics - Prometheus exposition
//   - GET /ws?since= - websocket feed of events after sequence number since
//
// # Authentication
//
// With a password hash configured, every endpoint except /, /healthz, /auth
// and /metrics needs "Authorization: Bearer <token>". Browsers opening the
// websocket pass ?token= instead. Tokens expire after a day.
//
// # Rate limiting
//
// Login attempts, control endpoints and websocket connections are rate
// limited per client IP with a sliding window. Clients that keep exceeding
// the limit or keep failing to log in are blocked with exponential backoff.
package server
