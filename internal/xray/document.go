package xray

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/vpnworks/xray-agent/internal/domain"
)

// Client is one entry of a vless inbound's client list.
type Client struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Flow  string `json:"flow"`
}

// FlowVision is the flow control assigned to every client the agent manages.
const FlowVision = "xtls-rprx-vision"

// Document is a parsed xray configuration. The agent only understands the
// client list of the first vless inbound; everything else is kept as raw
// JSON values so operator-managed sections survive a mutation untouched.
type Document struct {
	root map[string]any
}

// ParseDocument decodes raw JSON into a Document.
func ParseDocument(data []byte) (*Document, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse xray config: %w", err)
	}
	return &Document{root: root}, nil
}

// Encode renders the document as indented JSON, the format xray itself
// and the rest of the tooling around it expect.
func (d *Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d.root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode xray config: %w", err)
	}
	return append(data, '\n'), nil
}

// Clone returns an independent deep copy of the document.
func (d *Document) Clone() (*Document, error) {
	data, err := json.Marshal(d.root)
	if err != nil {
		return nil, fmt.Errorf("clone xray config: %w", err)
	}
	return ParseDocument(data)
}

// vlessSettings locates the settings object of the first vless inbound.
func (d *Document) vlessSettings() (map[string]any, error) {
	inbounds, ok := d.root["inbounds"].([]any)
	if !ok {
		return nil, domain.ErrInvalidConfig{Err: errors.New("config has no inbounds list")}
	}
	for _, raw := range inbounds {
		inbound, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if inbound["protocol"] != "vless" {
			continue
		}
		settings, ok := inbound["settings"].(map[string]any)
		if !ok {
			settings = map[string]any{}
			inbound["settings"] = settings
		}
		return settings, nil
	}
	return nil, domain.ErrInvalidConfig{Err: errors.New("config has no vless inbound")}
}

func (d *Document) clientList() ([]any, error) {
	settings, err := d.vlessSettings()
	if err != nil {
		return nil, err
	}
	clients, _ := settings["clients"].([]any)
	return clients, nil
}

func (d *Document) setClientList(clients []any) error {
	settings, err := d.vlessSettings()
	if err != nil {
		return err
	}
	settings["clients"] = clients
	return nil
}

// Clients lists the managed client entries. A document without a vless
// inbound yields an empty list.
func (d *Document) Clients() []Client {
	raw, err := d.clientList()
	if err != nil {
		return nil
	}
	out := make([]Client, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		c := Client{}
		c.ID, _ = m["id"].(string)
		c.Email, _ = m["email"].(string)
		c.Flow, _ = m["flow"].(string)
		out = append(out, c)
	}
	return out
}

// HasClient reports whether a client with the given uuid exists.
func (d *Document) HasClient(id string) bool {
	for _, c := range d.Clients() {
		if c.ID == id {
			return true
		}
	}
	return false
}

// AddClient inserts a client entry. Entries with the same email but a
// different uuid are dropped first, since xray refuses duplicate emails.
// Returns false when the uuid is already present and nothing changed.
func (d *Document) AddClient(c Client) (bool, error) {
	raw, err := d.clientList()
	if err != nil {
		return false, err
	}

	kept := make([]any, 0, len(raw)+1)
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			kept = append(kept, entry)
			continue
		}
		id, _ := m["id"].(string)
		if id == c.ID {
			return false, nil
		}
		if email, _ := m["email"].(string); email == c.Email {
			continue
		}
		kept = append(kept, entry)
	}

	kept = append(kept, map[string]any{
		"id":    c.ID,
		"email": c.Email,
		"flow":  c.Flow,
	})
	return true, d.setClientList(kept)
}

// RemoveClient deletes the client with the given uuid. Returns false when
// no such client exists and nothing changed.
func (d *Document) RemoveClient(id string) (bool, error) {
	raw, err := d.clientList()
	if err != nil {
		return false, err
	}

	kept := make([]any, 0, len(raw))
	removed := false
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			if entryID, _ := m["id"].(string); entryID == id {
				removed = true
				continue
			}
		}
		kept = append(kept, entry)
	}
	if !removed {
		return false, nil
	}
	return true, d.setClientList(kept)
}

// DefaultDocument builds the initial xray configuration for a node that has
// none yet: a vless+reality inbound on 443, the stats machinery, and the
// management API inbound on apiAddr.
func DefaultDocument(reality *Reality, apiAddr string) (*Document, error) {
	apiHost, apiPortRaw, err := net.SplitHostPort(apiAddr)
	if err != nil {
		return nil, fmt.Errorf("parse api addr %q: %w", apiAddr, err)
	}
	apiPort, err := strconv.Atoi(apiPortRaw)
	if err != nil {
		return nil, fmt.Errorf("parse api port %q: %w", apiPortRaw, err)
	}

	shortIDs := make([]any, 0, len(reality.ShortIDs))
	for _, id := range reality.ShortIDs {
		shortIDs = append(shortIDs, id)
	}

	root := map[string]any{
		"log": map[string]any{
			"loglevel": "warning",
		},
		"api": map[string]any{
			"tag":      "api",
			"services": []any{"HandlerService", "StatsService"},
		},
		"stats": map[string]any{},
		"policy": map[string]any{
			"levels": map[string]any{
				"0": map[string]any{
					"statsUserUplink":   true,
					"statsUserDownlink": true,
				},
			},
			"system": map[string]any{
				"statsInboundUplink":   true,
				"statsInboundDownlink": true,
			},
		},
		"inbounds": []any{
			map[string]any{
				"tag":      "api",
				"listen":   apiHost,
				"port":     float64(apiPort),
				"protocol": "dokodemo-door",
				"settings": map[string]any{
					"address": apiHost,
				},
			},
			map[string]any{
				"tag":      "vless-in",
				"listen":   "0.0.0.0",
				"port":     float64(443),
				"protocol": "vless",
				"settings": map[string]any{
					"clients":    []any{},
					"decryption": "none",
				},
				"streamSettings": map[string]any{
					"network":  "tcp",
					"security": "reality",
					"realitySettings": map[string]any{
						"show":        false,
						"dest":        reality.SNI + ":443",
						"xver":        float64(0),
						"serverNames": []any{reality.SNI},
						"privateKey":  reality.PrivateKey,
						"shortIds":    shortIDs,
					},
				},
				"sniffing": map[string]any{
					"enabled":      true,
					"destOverride": []any{"http", "tls", "quic"},
				},
			},
		},
		"outbounds": []any{
			map[string]any{"tag": "direct", "protocol": "freedom"},
			map[string]any{"tag": "block", "protocol": "blackhole"},
		},
		"routing": map[string]any{
			"rules": []any{
				map[string]any{
					"type":        "field",
					"inboundTag":  []any{"api"},
					"outboundTag": "api",
				},
			},
		},
	}

	return &Document{root: root}, nil
}
