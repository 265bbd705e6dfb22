// Package relay mirrors messages from source guilds into destination
// webhooks per channel_map.json. It runs on a user-token gateway
// session, sanitizes mentions for the destination guild, dedupes by
// content hash, and propagates source edits and deletes onto the
// already-relayed copies through the forward index.
package relay
