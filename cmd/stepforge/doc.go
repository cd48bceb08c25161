// Command stepforge is the operator CLI for a running stepforged daemon.
//
// Project and step commands talk to the daemon's HTTP API. Configuration,
// doctor, and offline frame deduplication work without a daemon.
package main
