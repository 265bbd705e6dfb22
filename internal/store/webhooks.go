package store

import (
	"strings"
	"sync"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// WebhookMap persists destination channel id -> webhook URL pairs.
// The file holds secrets and must stay out of version control.
type WebhookMap struct {
	path string
	log  logx.Logger

	mu     sync.Mutex
	cache  map[string]string
	loaded bool
}

func NewWebhookMap(path string, log logx.Logger) *WebhookMap {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebhookMap{path: path, log: log}
}

// IsWebhookURL reports whether u looks like a Discord webhook URL.
func IsWebhookURL(u string) bool {
	u = strings.TrimSpace(u)
	return strings.Contains(u, "/webhooks/") && len(u) > 20
}

func (w *WebhookMap) loadLocked(force bool) error {
	if w.loaded && !force {
		return nil
	}
	m := map[string]string{}
	if _, err := readJSONFile(w.path, &m); err != nil {
		return err
	}
	clean := make(map[string]string, len(m))
	for cid, url := range m {
		cid = strings.TrimSpace(cid)
		url = strings.TrimSpace(url)
		if cid != "" && IsWebhookURL(url) {
			clean[cid] = url
		}
	}
	w.cache = clean
	w.loaded = true
	return nil
}

// Get returns the stored webhook URL for a destination channel.
func (w *WebhookMap) Get(channelID string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.loadLocked(false); err != nil {
		return "", false, err
	}
	url, ok := w.cache[channelID]
	return url, ok, nil
}

// Set stores a webhook URL for a destination channel.
func (w *WebhookMap) Set(channelID, url string) error {
	channelID = strings.TrimSpace(channelID)
	url = strings.TrimSpace(url)
	if channelID == "" || !IsWebhookURL(url) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.loadLocked(true); err != nil {
		return err
	}
	w.cache[channelID] = url
	return writeJSONFile(w.path, w.cache)
}

// Invalidate drops a channel's stored URL, typically after Discord
// reports Unknown Webhook for it.
func (w *WebhookMap) Invalidate(channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.loadLocked(true); err != nil {
		return err
	}
	if _, ok := w.cache[channelID]; !ok {
		return nil
	}
	delete(w.cache, channelID)
	return writeJSONFile(w.path, w.cache)
}

// Reload rereads the file, picking up edits made outside the process.
func (w *WebhookMap) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadLocked(true)
}

// Len reports how many channels currently have a webhook mapped.
func (w *WebhookMap) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.loadLocked(false); err != nil {
		return 0
	}
	return len(w.cache)
}
