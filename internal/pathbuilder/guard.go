package pathbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lanterncore/lantern/internal/snodepool"
)

type statsResponse struct {
	Version string `json:"version"`
}

// testGuard issues the direct, non-onion GET /get_stats/v1 named in the
// path builder's guard test and reports whether the candidate's reported
// version is at least MinNodeVersion. This, the seed/pool-view fallback
// calls and swarmresolver's get_swarm lookup are the only non-onion
// network calls the core makes.
func testGuard(ctx context.Context, httpClient *http.Client, node snodepool.ServiceNode) error {
	ctx, cancel := context.WithTimeout(ctx, guardTestTimeout)
	defer cancel()

	url := fmt.Sprintf("https://%s:%d/get_stats/v1", node.IP, node.StoragePort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("pathbuilder: build guard test request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pathbuilder: guard test request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pathbuilder: guard test returned status %d", resp.StatusCode)
	}

	var parsed statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("pathbuilder: decode guard test response: %w", err)
	}

	if !versionAtLeast(parsed.Version, MinNodeVersion) {
		return fmt.Errorf("pathbuilder: guard version %q below minimum %q", parsed.Version, MinNodeVersion)
	}
	return nil
}

// versionAtLeast compares dotted numeric version strings component by
// component; a shorter version is padded with zeros.
func versionAtLeast(version, min string) bool {
	v := strings.Split(version, ".")
	m := strings.Split(min, ".")
	for i := 0; i < len(v) || i < len(m); i++ {
		var vn, mn int
		if i < len(v) {
			vn, _ = strconv.Atoi(v[i])
		}
		if i < len(m) {
			mn, _ = strconv.Atoi(m[i])
		}
		if vn != mn {
			return vn > mn
		}
	}
	return true
}

func defaultGuardHTTPClient() *http.Client {
	return &http.Client{Timeout: guardTestTimeout}
}
