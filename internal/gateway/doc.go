// Package gateway wires the conversation stack to the network.
//
// A Gateway owns both SQLite databases, the model provider, the task tool
// executor, the streaming orchestrator and the conversation service. It
// serves:
//
//   - POST /api/chat/stream: one turn, streamed as server-sent events
//   - GET /api/threads: paginated thread listing
//   - GET /api/threads/{id}/messages: paginated history of one thread
//   - DELETE /api/threads/{id}: soft delete
//   - GET /health and GET /health/ready
//
// and the standard grpc.health.v1 service on the gRPC address. Listeners are
// plain TCP or, when tailscale is enabled, a tsnet node on the tailnet.
package gateway
