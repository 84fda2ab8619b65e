// Package internal contains the implementation packages of rtde-bridge.
//
// These packages follow Go's internal package convention and are not
// importable by other modules.
//
// # Package Organization
//
//   - bridge: controller loop, target pose cell, shutdown signal and supervisor
//   - fanout: per-subscriber broadcast queues for state frames
//   - frame: state snapshots, setpoint buffers, poses and JSON normalisation
//   - recipe: RTDE recipe files in the controller's XML format or YAML
//   - rtde: RTDE v2 client and an in-process controller simulator
//   - websocket: client sessions and the health endpoint
//   - mqtt: optional mirror of state and setpoints through a broker
//   - middleware: HTTP request logging and panic recovery
//   - config: Viper-backed configuration with validation and live reload
//   - errors: structured bridge errors and their log routing
//   - logging: component-scoped structured logging on log/slog
//   - version: build metadata
//   - testutils: fixtures shared by package tests
//
// # Data Flow
//
// The controller loop is the only user of the RTDE connection. Each state
// frame it receives is published to the fanout, which queues it for every
// WebSocket session and the MQTT mirror. Poses from any client land in the
// target pose cell; the loop reads the cell once per frame and transmits
// the pose as the next setpoint. The supervisor runs the loop and every
// service and stops all of them when any one ends.
//
// # Concurrency
//
//   - the controller loop runs on one goroutine and owns the RTDE client
//   - each session runs a receiver and a sender goroutine
//   - the pose cell is an atomic pointer and never holds a partial pose
//   - every blocking call takes a context that the supervisor cancels
package internal
