package xray

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/vpnworks/xray-agent/internal/domain"
)

const sampleConfig = `{
  "log": {"loglevel": "warning", "access": "/var/log/xray/access.log"},
  "dns": {"servers": ["1.1.1.1", {"address": "8.8.8.8", "port": 53}]},
  "inbounds": [
    {
      "tag": "api",
      "listen": "127.0.0.1",
      "port": 10085,
      "protocol": "dokodemo-door",
      "settings": {"address": "127.0.0.1"}
    },
    {
      "tag": "vless-in",
      "listen": "0.0.0.0",
      "port": 443,
      "protocol": "vless",
      "settings": {
        "clients": [
          {"id": "54b7e5a4-7e0b-4f74-9f44-8d6a19b13e1a", "email": "user-54b7e5a4", "flow": "xtls-rprx-vision"}
        ],
        "decryption": "none"
      },
      "streamSettings": {
        "network": "tcp",
        "security": "reality",
        "realitySettings": {"dest": "nltimes.nl:443", "customField": 42}
      }
    }
  ],
  "outbounds": [{"tag": "direct", "protocol": "freedom"}],
  "customTopLevel": {"nested": [1, 2, 3]}
}`

const seededUUID = "54b7e5a4-7e0b-4f74-9f44-8d6a19b13e1a"

func parseSample(t *testing.T) *Document {
	t.Helper()
	doc, err := ParseDocument([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse sample config: %v", err)
	}
	return doc
}

func TestDocument_AddClient(t *testing.T) {
	doc := parseSample(t)

	changed, err := doc.AddClient(Client{
		ID:    "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa",
		Email: "user-a4a4e7b8",
		Flow:  FlowVision,
	})
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if !changed {
		t.Fatal("AddClient reported no change for a new client")
	}

	clients := doc.Clients()
	if len(clients) != 2 {
		t.Fatalf("got %d clients, want 2", len(clients))
	}
	if !doc.HasClient("a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa") {
		t.Error("new client not found")
	}
	if clients[1].Flow != FlowVision {
		t.Errorf("flow = %q, want %q", clients[1].Flow, FlowVision)
	}
}

func TestDocument_AddClient_ExistingUUIDIsNoop(t *testing.T) {
	doc := parseSample(t)

	changed, err := doc.AddClient(Client{ID: seededUUID, Email: "user-54b7e5a4", Flow: FlowVision})
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if changed {
		t.Fatal("AddClient reported change for an already present uuid")
	}
	if got := len(doc.Clients()); got != 1 {
		t.Fatalf("got %d clients, want 1", got)
	}
}

func TestDocument_AddClient_ReplacesDuplicateEmail(t *testing.T) {
	doc := parseSample(t)

	// Same email as the seeded client but a fresh uuid: the old entry must
	// go away, since xray rejects configs with duplicate emails.
	changed, err := doc.AddClient(Client{
		ID:    "11111111-2222-4333-8444-555555555555",
		Email: "user-54b7e5a4",
		Flow:  FlowVision,
	})
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if !changed {
		t.Fatal("AddClient reported no change")
	}

	clients := doc.Clients()
	if len(clients) != 1 {
		t.Fatalf("got %d clients, want 1", len(clients))
	}
	if clients[0].ID != "11111111-2222-4333-8444-555555555555" {
		t.Errorf("surviving client id = %q, want replacement uuid", clients[0].ID)
	}
	if doc.HasClient(seededUUID) {
		t.Error("old client with duplicate email still present")
	}
}

func TestDocument_RemoveClient(t *testing.T) {
	doc := parseSample(t)

	changed, err := doc.RemoveClient(seededUUID)
	if err != nil {
		t.Fatalf("RemoveClient: %v", err)
	}
	if !changed {
		t.Fatal("RemoveClient reported no change for an existing client")
	}
	if got := len(doc.Clients()); got != 0 {
		t.Fatalf("got %d clients, want 0", got)
	}

	// Removing again is a no-op, not an error.
	changed, err = doc.RemoveClient(seededUUID)
	if err != nil {
		t.Fatalf("second RemoveClient: %v", err)
	}
	if changed {
		t.Fatal("second RemoveClient reported a change")
	}
}

func TestDocument_MutationPreservesUnmanagedFields(t *testing.T) {
	doc := parseSample(t)

	if _, err := doc.AddClient(Client{
		ID:    "a4a4e7b8-18a3-4b8b-9a63-1c41d2b2f0aa",
		Email: "user-a4a4e7b8",
		Flow:  FlowVision,
	}); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if _, err := doc.RemoveClient(seededUUID); err != nil {
		t.Fatalf("RemoveClient: %v", err)
	}

	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got, want map[string]any
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("re-parse encoded config: %v", err)
	}
	if err := json.Unmarshal([]byte(sampleConfig), &want); err != nil {
		t.Fatalf("parse original config: %v", err)
	}

	// Everything outside the managed client list must survive untouched.
	for _, key := range []string{"log", "dns", "outbounds", "customTopLevel"} {
		assertDeepEqual(t, key, got[key], want[key])
	}

	gotInbounds := got["inbounds"].([]any)
	wantInbounds := want["inbounds"].([]any)
	assertDeepEqual(t, "api inbound", gotInbounds[0], wantInbounds[0])

	gotVless := gotInbounds[1].(map[string]any)
	wantVless := wantInbounds[1].(map[string]any)
	for _, key := range []string{"tag", "listen", "port", "protocol", "streamSettings"} {
		assertDeepEqual(t, "vless "+key, gotVless[key], wantVless[key])
	}
	gotSettings := gotVless["settings"].(map[string]any)
	if gotSettings["decryption"] != "none" {
		t.Errorf("decryption = %v, want none", gotSettings["decryption"])
	}
}

func assertDeepEqual(t *testing.T, label string, got, want any) {
	t.Helper()
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Errorf("%s changed: got %s, want %s", label, gotJSON, wantJSON)
	}
}

func TestDocument_NoVlessInbound(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"inbounds": [{"protocol": "http", "port": 8080}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	_, err = doc.AddClient(Client{ID: seededUUID, Email: "x", Flow: FlowVision})
	var invalid domain.ErrInvalidConfig
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}

	if clients := doc.Clients(); len(clients) != 0 {
		t.Errorf("got %d clients from config without vless inbound", len(clients))
	}
}

func TestDocument_CloneIsIndependent(t *testing.T) {
	doc := parseSample(t)
	clone, err := doc.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	if _, err := clone.RemoveClient(seededUUID); err != nil {
		t.Fatalf("RemoveClient on clone: %v", err)
	}

	if !doc.HasClient(seededUUID) {
		t.Error("mutation of clone leaked into original document")
	}
}

func TestDefaultDocument(t *testing.T) {
	reality := &Reality{
		PublicKey:   "pub",
		PrivateKey:  "priv",
		ShortIDs:    []string{"a1b2c3"},
		Fingerprint: "chrome",
		SNI:         "nltimes.nl",
		SPX:         "/",
	}

	doc, err := DefaultDocument(reality, "127.0.0.1:10085")
	if err != nil {
		t.Fatalf("DefaultDocument: %v", err)
	}

	if got := len(doc.Clients()); got != 0 {
		t.Fatalf("default config has %d clients, want 0", got)
	}

	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var root map[string]any
	if err := json.Unmarshal(encoded, &root); err != nil {
		t.Fatalf("default config is not valid JSON: %v", err)
	}

	inbounds := root["inbounds"].([]any)
	if len(inbounds) != 2 {
		t.Fatalf("got %d inbounds, want 2", len(inbounds))
	}

	api := inbounds[0].(map[string]any)
	if api["protocol"] != "dokodemo-door" || api["port"] != float64(10085) {
		t.Errorf("api inbound = %v", api)
	}

	vless := inbounds[1].(map[string]any)
	if vless["protocol"] != "vless" || vless["port"] != float64(443) {
		t.Errorf("vless inbound = %v", vless)
	}
	stream := vless["streamSettings"].(map[string]any)
	realitySettings := stream["realitySettings"].(map[string]any)
	if realitySettings["privateKey"] != "priv" {
		t.Errorf("privateKey = %v", realitySettings["privateKey"])
	}
	if realitySettings["dest"] != "nltimes.nl:443" {
		t.Errorf("dest = %v", realitySettings["dest"])
	}

	if _, ok := root["stats"]; !ok {
		t.Error("default config missing stats section")
	}
	policy := root["policy"].(map[string]any)
	levels := policy["levels"].(map[string]any)
	level0 := levels["0"].(map[string]any)
	if level0["statsUserUplink"] != true || level0["statsUserDownlink"] != true {
		t.Error("per-user stats not enabled in default config")
	}
}

func TestDefaultDocument_BadAPIAddr(t *testing.T) {
	if _, err := DefaultDocument(&Reality{}, "no-port-here"); err == nil {
		t.Fatal("expected error for api addr without port")
	}
}
