// Package mqtt republishes air-quality updates to an MQTT broker in a
// form Home Assistant discovers on its own.
//
// The [Publisher] is a sink. For every update it pings the liveness
// tracker, announces the device's seven sensor entities the first time
// the device is seen since the last broker connect, and publishes the
// update as JSON. All publishes go through a worker pool keyed by
// device ID, so messages for one device leave in the order they were
// produced while slow publishes never block the event stream.
//
// The [Client] wraps Eclipse Paho v2's [autopaho] connection manager,
// which reconnects on its own. Each (re-)connect clears the announced
// set so discovery configs are re-sent to a broker that may have lost
// its retained messages.
package mqtt
