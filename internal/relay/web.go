package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gate-controller/internal/config"
)

// WebBackend drives a networked relay board through its CGI endpoints.
type WebBackend struct {
	cfg     config.WebRelayConfig
	baseURL string
	client  *http.Client
	log     zerolog.Logger

	mu        sync.Mutex
	lastError string
}

func NewWebBackend(cfg config.WebRelayConfig, log zerolog.Logger) *WebBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base := "http://" + cfg.Host
	if cfg.Port != 0 && cfg.Port != 80 {
		base = "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	return &WebBackend{
		cfg:     cfg,
		baseURL: base,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (b *WebBackend) Kind() string {
	return "web"
}

// Setup turns every channel off when the board answers. An unreachable board
// is logged and left alone so the controller still starts.
func (b *WebBackend) Setup(ctx context.Context) error {
	if _, err := b.get(ctx, "state.cgi"); err != nil {
		b.log.Warn().Err(err).Str("url", b.baseURL).Msg("web relay board unreachable at startup")
		return nil
	}
	for ch := MinChannel; ch <= MaxChannel; ch++ {
		if err := b.Write(ctx, ch, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *WebBackend) Write(ctx context.Context, channel int, on bool) error {
	endpoint := fmt.Sprintf("relay.cgi?relayoff%d=off", channel)
	if on {
		endpoint = fmt.Sprintf("relay.cgi?relayon%d=on", channel)
	}
	_, err := b.get(ctx, endpoint)
	return err
}

// NativePulse asks the board to pulse channel for its own configured time.
func (b *WebBackend) NativePulse(ctx context.Context, channel int) error {
	_, err := b.get(ctx, fmt.Sprintf("relay.cgi?pulse%d=pulse", channel))
	return err
}

func (b *WebBackend) PulseTime() time.Duration {
	if b.cfg.PulseTime <= 0 {
		return time.Second
	}
	return b.cfg.PulseTime
}

func (b *WebBackend) Pin(int) *int {
	return nil
}

func (b *WebBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.client.Timeout)
	defer cancel()
	var errs []error
	for ch := MinChannel; ch <= MaxChannel; ch++ {
		if err := b.Write(ctx, ch, false); err != nil {
			errs = append(errs, err)
			break
		}
	}
	b.client.CloseIdleConnections()
	return errors.Join(errs...)
}

func (b *WebBackend) TestConnection(ctx context.Context) (string, error) {
	if b.cfg.Host == "" {
		return "", errors.New("no relay board address configured")
	}
	req, err := b.newRequest(ctx, "state.cgi")
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cannot connect to %s: %w", b.cfg.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return fmt.Sprintf("connected to %s", b.cfg.Host), nil
	case http.StatusUnauthorized:
		return "", errors.New("authentication failed, check username and password")
	default:
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
}

type boardState struct {
	Relay []int `json:"relay"`
}

// ReadStates parses the board's state.cgi reply. Firmware that answers with
// something other than {"relay": [...]} yields an empty map.
func (b *WebBackend) ReadStates(ctx context.Context) (map[int]bool, error) {
	body, err := b.get(ctx, "state.cgi")
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, MaxChannel)
	var st boardState
	if err := json.Unmarshal(body, &st); err != nil {
		return out, nil
	}
	for i, v := range st.Relay {
		ch := i + 1
		if ch > MaxChannel {
			break
		}
		out[ch] = v != 0
	}
	return out, nil
}

func (b *WebBackend) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *WebBackend) newRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/"+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	return req, nil
}

func (b *WebBackend) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := b.newRequest(ctx, endpoint)
	if err != nil {
		return nil, b.fail(err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.fail(fmt.Errorf("cannot reach web relay at %s: %w", b.cfg.Host, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, b.fail(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, b.fail(fmt.Errorf("web relay returned HTTP %d for %s", resp.StatusCode, endpoint))
	}

	b.mu.Lock()
	b.lastError = ""
	b.mu.Unlock()
	return body, nil
}

func (b *WebBackend) fail(err error) error {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
	return err
}
