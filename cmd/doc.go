// Package cmd provides the command-line interface for rtde-bridge.
//
// The commands are built with Cobra and share a Viper configuration, so
// every setting can come from a flag, an RTDE_BRIDGE_* environment
// variable or the .rtde-bridge.yml file, in that order of precedence.
//
// # Available Commands
//
//   - serve: run the bridge between a robot controller and WebSocket clients
//   - simulate: run an in-process RTDE controller for development
//   - monitor: connect to a running bridge and print state frames
//   - recipe: list the recipes defined in a recipe file
//   - version: print build information
//
// # Command Examples
//
//	// Bridge the robot at 192.168.0.10 on the default WebSocket port
//	rtde-bridge serve --robot-ip 192.168.0.10
//
//	// Develop without hardware
//	rtde-bridge simulate --port 30004 &
//	rtde-bridge serve --robot-ip 127.0.0.1 --verbose
//
//	// Watch five frames and move the target pose
//	rtde-bridge monitor -n 5 --pose 0.1,0.2,0.3,0,0,0
//
//	// Show recipes as YAML
//	rtde-bridge recipe control_loop_configuration.xml --format yaml
package cmd
