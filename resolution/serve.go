package resolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// DescribeFlag makes a plugin executable print its descriptor and exit.
const DescribeFlag = "--describe"

// Environment variables the host sets for plugin processes.
const (
	EnvBridgeURL    = "SLEUTH_BRIDGE_URL"
	EnvModule       = "SLEUTH_MODULE"
	EnvUnit         = "SLEUTH_UNIT"
	EnvModuleDir    = "SLEUTH_MODULE_DIR"
	EnvProjectFiles = "SLEUTH_PROJECT_FILES"
)

// Serve runs a unit in subprocess mode: one Request on stdin, one Response
// on stdout. Plugin executables call it from main and exit non-zero when it
// returns an error.
//
//	func main() {
//	    if err := resolution.Serve(myUnit{}); err != nil {
//	        fmt.Fprintln(os.Stderr, err)
//	        os.Exit(1)
//	    }
//	}
func Serve(u Unit) error {
	return ServeIO(context.Background(), u, os.Args[1:], os.Stdin, os.Stdout)
}

// ServeIO is Serve with explicit streams.
func ServeIO(ctx context.Context, u Unit, args []string, in io.Reader, out io.Writer) error {
	if u == nil {
		return fmt.Errorf("resolution: unit is nil")
	}
	enc := json.NewEncoder(out)
	if len(args) > 0 && args[0] == DescribeFlag {
		return enc.Encode(u.Descriptor().Normalized())
	}
	dec := json.NewDecoder(in)
	dec.UseNumber()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("resolution: decode request: %w", err)
	}
	outcome, err := u.Resolve(ctx, req.Entities, Arguments(req.Parameters))
	if err != nil {
		return err
	}
	if outcome == nil {
		outcome = Result{}
	}
	return enc.Encode(ResponseFor(outcome))
}

// Severity levels accepted by the host message bridge.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Message is posted to the host bridge by plugin processes.
type Message struct {
	Module   string `json:"module"`
	Unit     string `json:"unit"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Popup    bool   `json:"popup,omitempty"`
}

// Report sends a progress or status message to the host. It is a no-op when
// the process was not started by a host with a running bridge.
func Report(ctx context.Context, severity, message string, popup bool) error {
	base := strings.TrimRight(strings.TrimSpace(os.Getenv(EnvBridgeURL)), "/")
	if base == "" {
		return nil
	}
	payload, err := json.Marshal(Message{
		Module:   os.Getenv(EnvModule),
		Unit:     os.Getenv(EnvUnit),
		Severity: severity,
		Message:  message,
		Popup:    popup,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("resolution: report: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("resolution: report: bridge answered %s", resp.Status)
	}
	return nil
}
