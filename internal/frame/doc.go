// Package frame holds the data exchanged across the bridge: state snapshots
// read from the controller, the setpoint buffer written back to it and the
// 6-value target pose clients send.
//
// Snapshots serialise to a JSON object whose keys keep recipe order and
// whose values are normalised so that marshalling never fails.
package frame
