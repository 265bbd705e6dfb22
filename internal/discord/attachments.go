package discord

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// DownloadAttachments fetches attachment files from the Discord CDN so
// they can be re-uploaded to the destination. Files over maxBytes or
// past maxFiles are skipped and their URLs returned for inline linking.
func DownloadAttachments(ctx context.Context, client *http.Client, atts []*discordgo.MessageAttachment, maxFiles int, maxBytes int64) (files []*discordgo.File, skipped []string) {
	if client == nil || len(atts) == 0 || maxFiles <= 0 || maxBytes <= 0 {
		return nil, nil
	}
	if maxFiles > 10 {
		maxFiles = 10
	}
	for _, a := range atts {
		if a == nil {
			continue
		}
		if len(files) >= maxFiles {
			skipped = append(skipped, a.URL)
			continue
		}
		u := strings.TrimSpace(a.URL)
		if u == "" {
			u = strings.TrimSpace(a.ProxyURL)
		}
		if u == "" {
			continue
		}
		data, ok := fetchFile(ctx, client, u, maxBytes)
		if !ok {
			skipped = append(skipped, u)
			continue
		}
		files = append(files, &discordgo.File{
			Name:        attachmentFilename(a, u),
			ContentType: a.ContentType,
			Reader:      bytes.NewReader(data),
		})
	}
	return files, skipped
}

func fetchFile(ctx context.Context, client *http.Client, u string, maxBytes int64) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	if resp.ContentLength > maxBytes {
		return nil, false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil || len(data) == 0 || int64(len(data)) > maxBytes {
		return nil, false
	}
	return data, true
}

func attachmentFilename(a *discordgo.MessageAttachment, rawURL string) string {
	name := strings.TrimSpace(a.Filename)
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			parts := strings.Split(u.Path, "/")
			name = strings.TrimSpace(parts[len(parts)-1])
		}
	}
	if name == "" {
		name = "file"
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}

// AppendSkippedLinks adds skipped attachment URLs to the outgoing
// content so oversized files stay reachable from the mirrored copy.
func AppendSkippedLinks(content string, skipped []string) string {
	if len(skipped) == 0 || len(content) >= 1900 {
		return content
	}
	if len(skipped) > 5 {
		skipped = skipped[:5]
	}
	extra := strings.TrimSpace(strings.Join(skipped, "\n"))
	if extra == "" {
		return content
	}
	if content != "" {
		content += "\n"
	}
	content += extra
	if len(content) > 1950 {
		content = content[:1950]
	}
	return content
}
