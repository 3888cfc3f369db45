// Package poller drives the periodic status checks.
//
// A tick snapshots the channel list, queries it in batches, advances every
// channel's state machine against one shared timestamp, persists changed
// state, then dispatches the resulting transitions. Ticks never overlap:
// the cron driver delays a tick until its predecessor has returned, and a
// manual Tick takes the same lock.
//
// The poller is the only writer of channel state.
package poller
