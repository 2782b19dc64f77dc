package utils

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
)

type Status string

const (
	StatusGreen  Status = "GREEN"
	StatusYellow Status = "YELLOW"
	StatusRed    Status = "RED"
)

func (s Status) rank() int {
	switch s {
	case StatusGreen:
		return 0
	case StatusYellow:
		return 1
	default:
		return 2
	}
}

type CheckResult struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ModelLister is satisfied by *OpenAIClient.
type ModelLister interface {
	ListModels(ctx context.Context) (int, error)
}

// Preflight checks the OSC path, the capture tool and the API before a run.
func Preflight(ctx context.Context, cfg *config.Config, api ModelLister) []CheckResult {
	return []CheckResult{
		CheckOSC(cfg.Chat),
		CheckCapture(cfg),
		CheckAPI(ctx, cfg.API, api),
	}
}

// Worst returns the most severe status among results.
func Worst(results []CheckResult) Status {
	worst := StatusGreen
	for _, r := range results {
		if r.Status.rank() > worst.rank() {
			worst = r.Status
		}
	}
	return worst
}

func CheckOSC(cfg config.ChatConfig) CheckResult {
	addr := net.JoinHostPort(cfg.OSCHost, strconv.Itoa(cfg.OSCPort))
	conn, err := net.DialTimeout("udp", addr, 500*time.Millisecond)
	if err != nil {
		return CheckResult{Name: "osc", Status: StatusRed, Detail: fmt.Sprintf("resolve failed: %s (%v)", addr, err), Suggestion: "check chat.osc_host / chat.osc_port"}
	}
	defer conn.Close()
	// UDP is connectionless; a successful write only means the local stack accepted it.
	if _, err := conn.Write([]byte("/preflight/ping\x00,\x00\x00\x00")); err != nil {
		return CheckResult{Name: "osc", Status: StatusRed, Detail: fmt.Sprintf("udp send failed: %s (%v)", addr, err), Suggestion: "enable OSC in VRChat"}
	}
	return CheckResult{Name: "osc", Status: StatusGreen, Detail: "udp send ok: " + addr}
}

func CheckCapture(cfg *config.Config) CheckResult {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return CheckResult{Name: "capture", Status: StatusRed, Detail: "ffmpeg not found in PATH", Suggestion: "install ffmpeg for screen and microphone capture"}
	}
	detail := fmt.Sprintf("ffmpeg=%s screen=%s:%s", path, cfg.Screen.Format, cfg.Screen.Input)
	if cfg.Audio.Enabled {
		detail += fmt.Sprintf(" audio=%s:%s@%d", cfg.Audio.Format, cfg.Audio.Input, cfg.Audio.SampleRate)
	}
	return CheckResult{Name: "capture", Status: StatusGreen, Detail: detail}
}

func CheckAPI(ctx context.Context, cfg config.APIConfig, api ModelLister) CheckResult {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" || strings.HasPrefix(key, "your-") {
		return CheckResult{Name: "api", Status: StatusRed, Detail: "api key missing", Suggestion: "set api.api_key or OPENAI_API_KEY"}
	}

	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	url := strings.TrimRight(cfg.BaseURL, "/") + "/models"
	code, err := api.ListModels(ctx)
	if err != nil {
		return CheckResult{Name: "api", Status: StatusRed, Detail: fmt.Sprintf("request failed (%v)", err), Suggestion: "check network, proxy and api.base_url"}
	}

	detail := fmt.Sprintf("GET %s -> %d", url, code)
	switch {
	case code == http.StatusOK:
		return CheckResult{Name: "api", Status: StatusGreen, Detail: detail}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CheckResult{Name: "api", Status: StatusRed, Detail: detail, Suggestion: "api key invalid or lacks permission"}
	case code == http.StatusTooManyRequests:
		return CheckResult{Name: "api", Status: StatusYellow, Detail: detail, Suggestion: "rate limited, retry later"}
	case code >= 400 && code < 500:
		return CheckResult{Name: "api", Status: StatusYellow, Detail: detail, Suggestion: "endpoint reachable but returned a client error; check compatibility"}
	default:
		return CheckResult{Name: "api", Status: StatusRed, Detail: detail, Suggestion: "server error or unstable network"}
	}
}
