//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/cartsync/internal/types"
	"github.com/hyperengineering/cartsync/pkg/cartclient"
)

const e2eAPIKey = "e2e-test-api-key"

// cartsyncServer manages a running cartsync server process.
type cartsyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	port    int
	logFile *os.File
	extra   []string
}

// startCartsync launches `cartsync serve` and waits for it to become healthy.
// The server is configured entirely via environment variables.
func startCartsync(t *testing.T, extraEnv ...string) *cartsyncServer {
	t.Helper()
	requireCartsync(t)

	s := &cartsyncServer{dataDir: t.TempDir(), port: freePort(t), extra: extraEnv}
	s.start(t)
	t.Cleanup(s.stop)
	return s
}

func (s *cartsyncServer) start(t *testing.T) {
	t.Helper()

	cmd := exec.Command(cartsyncBin, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CARTSYNC_PORT=%d", s.port),
		"CARTSYNC_DB_PATH="+filepath.Join(s.dataDir, "cartsync.db"),
		"CARTSYNC_BACKUP_PATH="+filepath.Join(s.dataDir, "backups", "cartsync.db"),
		"CARTSYNC_API_KEY="+e2eAPIKey,
		"CARTSYNC_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
		"CARTSYNC_SHUTDOWN_TIMEOUT=2s",
	)
	cmd.Env = append(cmd.Env, s.extra...)

	lf, err := os.OpenFile(filepath.Join(s.dataDir, "cartsync.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err, "create log file")
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		require.NoError(t, err, "start cartsync")
	}
	s.cmd = cmd
	s.logFile = lf

	require.NoError(t, s.waitHealthy(10*time.Second), "cartsync logs:\n%s", s.logs())
}

func (s *cartsyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

func (s *cartsyncServer) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

func (s *cartsyncServer) logs() string {
	data, _ := os.ReadFile(filepath.Join(s.dataDir, "cartsync.log"))
	return string(data)
}

func (s *cartsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("cartsync not healthy after %s", timeout)
}

// request sends an authenticated JSON request and decodes the response into out.
func (s *cartsyncServer) request(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, _ := http.NewRequest(method, s.baseURL()+path, reader)
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "%s %s", method, path)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decode %s %s", method, path)
	}
	return resp
}

func (s *cartsyncServer) snapshot(t *testing.T, cartID types.CartID) types.Snapshot {
	t.Helper()
	var snap types.Snapshot
	resp := s.request(t, http.MethodGet, "/api/v1/carts/"+string(cartID)+"/snapshot", nil, &snap)
	require.Equal(t, http.StatusOK, resp.StatusCode, "snapshot of %s", cartID)
	return snap
}

// runCLI runs a cartsync subcommand against s with an isolated client log.
func (s *cartsyncServer) runCLI(t *testing.T, logPath string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(cartsyncBin, args...)
	cmd.Env = append(os.Environ(),
		"CARTSYNC_API_KEY="+e2eAPIKey,
		"CARTSYNC_SERVER_URL="+s.baseURL(),
		"CARTSYNC_CLIENT_LOG_PATH="+logPath,
		"CARTSYNC_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
		"CARTSYNC_GRACE_WINDOW=50ms",
		"CARTSYNC_PING_INTERVAL=100ms",
		"CARTSYNC_LOG_LEVEL=error",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// openClient opens an in-process cart client against s.
func openClient(t *testing.T, s *cartsyncServer, cartID types.CartID, name string) *cartclient.Client {
	t.Helper()
	return openClientAt(t, s.baseURL(), cartID, filepath.Join(t.TempDir(), name+".db"), name)
}

func openClientAt(t *testing.T, serverURL string, cartID types.CartID, logPath, clientID string) *cartclient.Client {
	t.Helper()
	c, err := cartclient.Open(context.Background(), cartclient.Config{
		ServerURL:      serverURL,
		APIKey:         e2eAPIKey,
		CartID:         cartID,
		LogPath:        logPath,
		ClientID:       clientID,
		GraceWindow:    50 * time.Millisecond,
		PingInterval:   100 * time.Millisecond,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	})
	require.NoError(t, err, "open client %s", clientID)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitSynced(t *testing.T, c *cartclient.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, c.WaitSynced(ctx), "client %s not synced: phase=%s pending=%d",
		c.ClientID(), c.Phase(), c.Metrics().Pending)
}

// waitVersion waits until every client has adopted version.
func waitVersion(t *testing.T, version int64, clients ...*cartclient.Client) {
	t.Helper()
	converged := func() bool {
		for _, c := range clients {
			if c.CurrentState().Version != version {
				return false
			}
		}
		return true
	}
	if !assert.Eventually(t, converged, 15*time.Second, 20*time.Millisecond, "clients did not converge on version %d", version) {
		require.FailNow(t, "client versions: "+versions(clients))
	}
}

func versions(clients []*cartclient.Client) string {
	var got []string
	for _, c := range clients {
		got = append(got, fmt.Sprintf("%s=%d", c.ClientID(), c.CurrentState().Version))
	}
	return strings.Join(got, ", ")
}

func product(id, name string, price types.Money) types.LineItem {
	return types.LineItem{ItemID: id, Kind: types.KindProduct, Name: name, UnitPrice: price}
}

func rawAdd(cartID types.CartID, clientID string, seq int64, item types.LineItem, qty int) types.Mutation {
	return types.Mutation{
		MutationID:      ulid.Make().String(),
		CartID:          cartID,
		ClientID:        clientID,
		Seq:             seq,
		Kind:            types.MutationAdd,
		Key:             item.Key(),
		Item:            types.ItemDescriptor{Kind: item.Kind, Name: item.Name, UnitPrice: item.UnitPrice},
		Quantity:        qty,
		ClientTimestamp: time.Now().UTC(),
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "find free port")
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
