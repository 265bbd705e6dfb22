// Package forward is the live message forwarder. It watches the monitored
// channels of the destination guild, classifies every webhook-relayed
// message, and re-posts it to the routed channels with duplicate
// suppression and affiliate link unwrapping along the way.
package forward
