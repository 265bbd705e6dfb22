package store

// Package store holds the JSON-file state shared between the bots:
// fetch mappings with per-channel cursors, monitored keywords with
// per-keyword channel overrides, and the destination webhook map.
//
// All writes go through a temp file and rename so a crash never leaves
// a half-written file behind.
